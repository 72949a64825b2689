package rest

// Keep password hashing fast in tests.
func init() { bcryptCost = 4 }
