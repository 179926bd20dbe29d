package supervisor

import "time"

// Config configures the top-level Supervisor's timing and wiring.
type Config struct {
	RepoPath string

	HealthCheckInterval time.Duration
	GitPollInterval     time.Duration

	DashboardAddr string
	LogDir        string

	SlackWebhookURL string

	// BotProcessName is the ProcessManager-registered name of the chat bot
	// process whose descendant tree SessionMonitor walks for active agent
	// sessions.
	BotProcessName    string
	AgentProcessNames []string
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.GitPollInterval == 0 {
		c.GitPollInterval = 60 * time.Second
	}
	if c.DashboardAddr == "" {
		c.DashboardAddr = "127.0.0.1:9091"
	}
	if c.BotProcessName == "" {
		c.BotProcessName = "bot"
	}
	if len(c.AgentProcessNames) == 0 {
		c.AgentProcessNames = defaultAgentProcessNames
	}
	return c
}
