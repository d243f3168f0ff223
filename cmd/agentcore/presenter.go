package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/forgehub/agentic-core/internal/confirmation"
)

// cliPresenter is the Confirmation Manager's Presenter: it
// prints the single active dialog to stderr and reads a one-line decision
// from stdin. Since the Manager enforces "at most one active dialog" on
// its own, this never races with itself across concurrent tool batches.
type cliPresenter struct {
	mgr    *confirmation.Manager
	reader *bufio.Reader
}

func newCLIPresenter() *cliPresenter {
	return &cliPresenter{reader: bufio.NewReader(os.Stdin)}
}

// bind wires the presenter back to the Manager it belongs to, breaking
// the constructor cycle (confirmation.New needs a Presenter; the
// Presenter's replies need the Manager).
func (p *cliPresenter) bind(mgr *confirmation.Manager) { p.mgr = mgr }

func (p *cliPresenter) Present(ctx context.Context, pending *confirmation.Pending) {
	fmt.Fprintf(os.Stderr, "\n--- confirmation requested ---\n")
	fmt.Fprintf(os.Stderr, "tool: %s\npermission: %s\nsummary: %s\n", pending.ToolName, pending.Permission, pending.Summary)
	fmt.Fprint(os.Stderr, "allow [o]nce / allow [a]lways / [d]eny: ")

	go func() {
		line, _ := p.reader.ReadString('\n')
		decision := confirmation.Deny
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "o", "once", "y", "yes":
			decision = confirmation.AllowOnce
		case "a", "always":
			decision = confirmation.AllowAlways
		}
		p.mgr.Resolve(ctx, pending.RequestID, decision)
	}()
}

func (p *cliPresenter) Dismiss(requestID string) {
	fmt.Fprintf(os.Stderr, "--- confirmation %s resolved ---\n", requestID)
}
