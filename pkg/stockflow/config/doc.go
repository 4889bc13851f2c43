/*
Package config loads stockflow configuration from YAML or JSON.

# Overview

Config wraps a decoded document and provides typed accessors that return a
default when a key is missing or has the wrong type. Settings is the typed
engine configuration built on top of it.

# Loading Settings

	settings, err := config.Load("stockflow.yaml")
	if err != nil {
	    return err
	}
	engine, err := stockflow.New(settings)

Every key a file leaves out takes its value from Defaults. A minimal file
that persists dead letters and sagas in SQLite:

	dead_letters:
	  driver: sqlite
	  path: /var/lib/stockflow/dlq.db
	saga:
	  driver: sqlite
	  path: /var/lib/stockflow/sagas.db
	  step_timeout: 10s
	sales:
	  currency: EUR
	  prices:
	    apple: 250

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("30s", "1h30m")
  - int/float64: interpreted as seconds

Int and Int64 accept int, int64, and whole float64 values, so numbers decoded
from JSON work the same as numbers decoded from YAML.

# Sections

Section returns the nested mapping under a key, so deeply nested settings
read naturally:

	retry := cfg.Section("bus").Section("retry")
	attempts := retry.Int("max_attempts", 3)
*/
package config
