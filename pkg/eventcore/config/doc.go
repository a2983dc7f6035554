/*
Package config provides eventcore configuration: typed handler values and
host settings.

# Handler Values

Values wraps a map[string]any and provides typed accessors that return a
default when a key is missing or has the wrong type. Integration handlers
receive their configuration this way:

	cfg := config.NewValues(map[string]any{
	    "timeout": "30s",
	    "retries": 3,
	    "enabled": true,
	})

	timeout := cfg.Duration("timeout", 10*time.Second) // 30s
	retries := cfg.Int("retries", 5)                   // 3
	project := cfg.Sub("project").String("key", "")    // nested maps

Duration accepts strings ("30s", "1h30m"), time.Duration, or a number of
milliseconds.

# Host Settings

Settings describes a whole host: queue, manager, breaker and boundary
defaults, health, recovery, bus, HTTP and maintenance schedules. Load
layers a config file and environment variables over Default():

	s, err := config.Load("eventcore.yaml", "EVENTCORE")
	// EVENTCORE_QUEUE_MAX_SIZE=50 overrides queue.max_size

Validate reports every invalid field at once as a ValidationError.

# Thread Safety

Values and Settings are safe for concurrent read access. Neither is modified
after creation.
*/
package config
