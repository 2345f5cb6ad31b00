package config

import "time"

// CLIConfig holds defaults for the omni command line tool.
type CLIConfig struct {
	Server  string
	User    string
	Timeout time.Duration
}

// LoadCLIConfig reads CLI defaults from the environment.
func LoadCLIConfig() CLIConfig {
	return CLIConfig{
		Server:  GetString("OMNI_SERVER", "http://localhost:4000"),
		User:    GetString("OMNI_USER", GetString("USER", "anonymous")),
		Timeout: GetSeconds("OMNI_TIMEOUT_SECONDS", 15*time.Second),
	}
}
