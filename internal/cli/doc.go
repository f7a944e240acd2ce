// Parses flags and runs kiln commands.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path of the daemon.
//	-p, --project   Project file or directory.
//
// Commands:
//
//	kiln start                 run the build daemon
//	kiln stop                  stop the build daemon
//	kiln status                show daemon state
//	kiln build [-t TARGET]...  build targets, through the daemon or --local
//	kiln matrix                list the expanded build targets
//	kiln cache ls              list cached layers
//	kiln cache gc              prune cached layers
//	kiln version               show version information
//
// Flags override build-time defaults set via linker flags and the values of
// the project file. After parsing, the global logger is reconfigured to
// reflect the final level and verbosity before the command runs. Command
// output goes to standard output; logs go to standard error.
package cli
