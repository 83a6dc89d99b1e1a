package providers

// HostConfig describes a host of the static inventory and its servers.
type HostConfig struct {
	Name    string         `yaml:"name"`
	Addr    string         `yaml:"addr"`
	User    string         `yaml:"user"`
	Port    int            `yaml:"port"`
	Servers []ServerConfig `yaml:"servers"`
}

type ServerConfig struct {
	Name   string   `yaml:"name"`
	Groups []string `yaml:"groups"`
}

type Config struct {
	Inventory struct {
		Default string `yaml:"default"`
		Static  struct {
			Hosts []HostConfig `yaml:"hosts"`
		} `yaml:"static"`
		Consul struct {
			Address    string `yaml:"address"`
			Datacenter string `yaml:"datacenter"`
			Service    string `yaml:"service"`
			Token      string `yaml:"-"`
		} `yaml:"consul"`
	} `yaml:"inventory"`
	Transport struct {
		Kind              string  `yaml:"kind"`
		AgentPort         int     `yaml:"agent_port"`
		AgentScheme       string  `yaml:"agent_scheme"`
		CACert            string  `yaml:"ca_cert"`
		ClientCert        string  `yaml:"client_cert"`
		ClientKey         string  `yaml:"client_key"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		RetryDelayMillis  int     `yaml:"retry_delay_ms"`

		// Command templates for the ssh transport; {server} and {path} expand.
		RestartCommand string `yaml:"restart_command"`
		ReloadCommand  string `yaml:"reload_command"`
	} `yaml:"transport"`
	Agent struct {
		Secret          string `yaml:"-"`
		TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
	} `yaml:"agent"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
		User       string `yaml:"user"`
		Port       int    `yaml:"port"`
	} `yaml:"ssh"`
	Defaults struct {
		TaskTimeoutSeconds         int   `yaml:"task_timeout_seconds"`
		CompensationTimeoutSeconds int   `yaml:"compensation_timeout_seconds"`
		GracefulTimeoutMillis      int64 `yaml:"graceful_timeout_ms"`
		MaxParallel                int   `yaml:"max_parallel"`
		Retries                    int   `yaml:"retries"`
	} `yaml:"defaults"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
}
