package mysql

import (
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN(t *testing.T) {
	cases := []struct {
		name    string
		dsn     string
		timeout time.Duration
	}{
		{"bare", "app:secret@tcp(127.0.0.1:3306)/gridstash", DialTimeout},
		{"keeps timeout", "app:secret@tcp(db:3306)/gridstash?timeout=2s&parseTime=false", 2 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := NormalizeDSN(tc.dsn)
			require.NoError(t, err)
			c, err := gomysql.ParseDSN(out)
			require.NoError(t, err)
			assert.True(t, c.ParseTime)
			assert.Equal(t, time.UTC, c.Loc)
			assert.Equal(t, "gridstash", c.DBName)
			assert.Equal(t, tc.timeout, c.Timeout)
		})
	}
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	_, err := NormalizeDSN("app:secret@tcp(127.0.0.1:3306)gridstash")
	assert.ErrorContains(t, err, "bad dsn")
}

func TestOpen_BadDSNFailsFast(t *testing.T) {
	_, err := Open("not a dsn", Pool{MaxOpen: 1}, nil)
	assert.Error(t, err)
}
