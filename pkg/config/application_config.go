package config

// ApplicationConfiguration holds the service-level knobs: storage, HTTP
// surfaces and logging.
type ApplicationConfiguration struct {
	LogLevel   string          `yaml:"LogLevel"`
	DB         DBConfiguration `yaml:"DB"`
	REST       RESTConfig      `yaml:"REST"`
	Prometheus BasicService    `yaml:"Prometheus"`
	Pprof      BasicService    `yaml:"Pprof"`
}

// RESTConfig is the configuration of the JSON API server.
type RESTConfig struct {
	BasicService `yaml:",inline"`
	// CORSOrigins lists the allowed cross-origin hosts. "*" admits any
	// origin, an empty list disables CORS handling entirely.
	CORSOrigins []string `yaml:"CORSOrigins"`
}

// Storage backends selectable through DBConfiguration.Type.
const (
	// DBPostgres is the production database backend.
	DBPostgres = "postgres"
	// DBBoltDB keeps the ledger in a single local file.
	DBBoltDB = "boltdb"
	// DBInMemory holds everything in process memory. Not for production.
	DBInMemory = "inmemory"
)

// DBConfiguration describes the ledger storage. Supported types: postgres,
// boltdb or inmemory (not recommended for production usage).
type DBConfiguration struct {
	Type            string          `yaml:"Type"`
	PostgresOptions PostgresOptions `yaml:"PostgresOptions"`
	BoltDBOptions   BoltDBOptions   `yaml:"BoltDBOptions"`
}

// PostgresOptions is the configuration for the Postgres backend.
type PostgresOptions struct {
	// URL is a postgres:// connection string.
	URL      string `yaml:"URL"`
	MaxConns int32  `yaml:"MaxConns"`
}

// BoltDBOptions is the configuration for the BoltDB backend.
type BoltDBOptions struct {
	FilePath string `yaml:"FilePath"`
}
