// Package process spawns and supervises the completion agent's child process.
//
// A Process owns one child started with piped stdin, stdout, and stderr,
// tracks its exit, and stops it in stages:
//
//	proc, err := process.Start("copilot", process.Command{
//	    Path: "node",
//	    Args: []string{"language-server.js", "--stdio"},
//	})
//	if err != nil {
//	    var spawnErr *process.SpawnError
//	    errors.As(err, &spawnErr)
//	}
//
//	// Close stdin, then give the agent a grace period before SIGTERM/SIGKILL.
//	proc.Stdin.Close()
//	proc.Stop(2 * time.Second)
//	fmt.Println(proc.ExitCode())
//
// # Thread Safety
//
// Process is safe for concurrent use.
package process
