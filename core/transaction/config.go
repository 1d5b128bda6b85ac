package transaction

import "time"

// Config tunes lock waiting and the retry loop of Manager.Run.
type Config struct {
	// LockWaitTimeout bounds a single lock wait; 0 waits until the lock is
	// granted, a deadlock is detected or the transaction is interrupted.
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout" env:"LOCK_WAIT_TIMEOUT"`
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries           int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" env:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval" env:"RETRY_MAX_INTERVAL"`
	// RetryRate limits retries per second across the Manager; 0 disables the
	// limit.
	RetryRate  float64 `yaml:"retry_rate" env:"RETRY_RATE"`
	RetryBurst int     `yaml:"retry_burst" env:"RETRY_BURST"`
}

func DefaultConfig() Config {
	return Config{
		LockWaitTimeout:      0,
		MaxRetries:           10,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     500 * time.Millisecond,
		RetryRate:            1000,
		RetryBurst:           100,
	}
}
