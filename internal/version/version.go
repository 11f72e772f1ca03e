package version

var (
	AppName     = "Beatkeeper"
	AppDevName  = "beatkeeper"
	AppFullName = AppName + " Discord Music Bot"

	// BuildDate and GoVersion are set at build time via ldflags.
	BuildDate = "unknown"
	GoVersion = "unknown"
)
