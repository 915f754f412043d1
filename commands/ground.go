package commands

import (
	"context"
	"errors"
	"flock/swarm/consensus"
	"flock/swarm/ground"
	"fmt"
	"io"
	"strings"
	"time"
)

// RunGround sends one request to the unit at address and prints the outcome to w.
// It returns the process exit code: 0 when an agreed response arrived, 1 otherwise.
func RunGround(ctx context.Context, w io.Writer, address string, timeout time.Duration) int {
	c := ground.New(address, timeout)
	resp, err := c.Run(ctx)

	var serr *consensus.ServiceError
	var cerr *ground.ConnectionError
	switch {
	case errors.As(err, &serr):
		fmt.Fprintf(w, "flock unavailable: %s (round %d)\n", serr.Reason, serr.RoundID)
		return 1
	case errors.As(err, &cerr):
		fmt.Fprintf(w, "cannot reach %s: %v\n", cerr.Address, cerr.Err)
		return 1
	case err != nil:
		fmt.Fprintf(w, "request failed: %v\n", err)
		return 1
	}

	participants := make([]string, len(resp.Participants))
	for i, p := range resp.Participants {
		participants[i] = p.Short()
	}
	fmt.Fprintf(w, "round %d: %s\n", resp.RoundID, resp.Value.String())
	fmt.Fprintf(w, "participants: %s\n", strings.Join(participants, ", "))
	fmt.Fprintf(w, "signed by %d of %d\n", len(resp.Signers), len(resp.Participants))
	return 0
}
