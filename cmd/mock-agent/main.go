// Command mock-agent is a scripted ACP agent used for local development and
// end-to-end tests. It speaks the protocol over stdio: streams a thought, a
// plan, a few tool calls, asks for edit permission, then closes the turn.
package main

import (
	"os"

	"github.com/larkcoder/larkcoder/internal/agent/mockagent"
)

func main() {
	mockagent.Serve(os.Stdin, os.Stdout)
}
