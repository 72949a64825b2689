// Command inventory-bot connects replica nodes to a gridstash server and
// drives random inventory traffic through them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kasuganosora/gridstash/client"
	"github.com/kasuganosora/gridstash/game/inventory"
	"github.com/kasuganosora/gridstash/resource"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	Server   string
	User     string
	Password string
	Bots     int
	Data     string
	Currency string
	Shop     int64
	Spawn    string
	Interval time.Duration
	Actions  int
	Debug    bool
}

func loadOptions(args []string) (*options, error) {
	fs := pflag.NewFlagSet("inventory-bot", pflag.ContinueOnError)
	fs.String("server", "http://localhost:8080", "server base URL")
	fs.String("user", "bot", "username prefix; bots are named <user>-<n>")
	fs.String("password", "bot-password", "account password")
	fs.Int("bots", 1, "number of concurrent bots")
	fs.String("data", "./data", "directory holding Items.json")
	fs.String("currency", "items/coin", "currency item path")
	fs.Int64("shop", 0, "shop inventory to buy from, 0 to never buy")
	fs.String("spawn", "items/apple", "item path the bots spawn")
	fs.Duration("interval", time.Second, "delay between actions")
	fs.Int("actions", 0, "actions per bot, 0 runs until interrupted")
	fs.Bool("debug", false, "development logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("GRIDSTASH_BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	o := &options{
		Server:   v.GetString("server"),
		User:     v.GetString("user"),
		Password: v.GetString("password"),
		Bots:     v.GetInt("bots"),
		Data:     v.GetString("data"),
		Currency: v.GetString("currency"),
		Shop:     v.GetInt64("shop"),
		Spawn:    v.GetString("spawn"),
		Interval: v.GetDuration("interval"),
		Actions:  v.GetInt("actions"),
		Debug:    v.GetBool("debug"),
	}
	if o.Bots < 1 {
		return nil, fmt.Errorf("--bots must be at least 1")
	}
	if o.Interval <= 0 {
		return nil, fmt.Errorf("--interval must be positive")
	}
	return o, nil
}

func main() {
	opts, err := loadOptions(os.Args[1:])
	if err != nil {
		log.Fatalf("inventory-bot: %v", err)
	}

	var logger *zap.Logger
	if opts.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	catalog := resource.NewLoader(opts.Data, opts.Currency)
	if err := catalog.Load(); err != nil {
		logger.Fatal("item catalog", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	for i := range opts.Bots {
		name := fmt.Sprintf("%s-%d", opts.User, i)
		eg.Go(func() error {
			return runBot(ctx, opts, name, catalog, logger.With(zap.String("bot", name)))
		})
	}
	if err := eg.Wait(); err != nil {
		logger.Error("bots stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("all bots stopped")
}

func runBot(ctx context.Context, opts *options, name string, catalog inventory.Catalog, logger *zap.Logger) error {
	sess, err := client.Login(ctx, nil, opts.Server, name, opts.Password)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	node, err := client.Dial(ctx, opts.Server, sess.Token, catalog, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if node.BagID() == 0 {
		node.Close()
		return fmt.Errorf("%s: server provisions no bags", name)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return node.Run(ctx)
	})
	eg.Go(func() error {
		reg := node.Registry()
		if err := reg.SubscribeToInventory(ctx, node.BagID()); err != nil {
			return err
		}
		if opts.Shop != 0 {
			if err := reg.SubscribeToInventory(ctx, opts.Shop); err != nil {
				return err
			}
		}
		b := &bot{
			reg:       reg,
			bag:       node.BagID(),
			shop:      opts.Shop,
			spawnPath: opts.Spawn,
			rng:       rand.New(rand.NewPCG(uint64(node.PeerID()), uint64(time.Now().UnixNano()))),
			logger:    logger,
		}
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for done := 0; opts.Actions == 0 || done < opts.Actions; done++ {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if err := b.step(ctx); err != nil {
				return err
			}
		}
		inventories, items := reg.Stats()
		logger.Info("bot finished", zap.Int("inventories", inventories), zap.Int("items", items))
		// Ends Run through the shared context.
		return context.Canceled
	})
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
