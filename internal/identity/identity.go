package identity

const (
	BrandName = "Termkeep"
	// AppSlug is the canonical identifier for on-disk state and the
	// daemon's socket directory. It matches the CLI binary name.
	AppSlug = "termkeep"
	CLIName = "termkeep"

	// EnvPrefix is prepended to every environment override the daemon
	// and client honor (TERMKEEP_SOCKET, TERMKEEP_LOG_LEVEL, ...).
	EnvPrefix = "TERMKEEP_"

	GlobalConfigFile = "config.yml"
)
