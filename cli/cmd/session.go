package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesa-systems/mesa-stack/cli/internal/config"
	"github.com/mesa-systems/mesa-stack/cli/pkg/output"
	"github.com/mesa-systems/mesa-stack/terminal/facade"
	"github.com/mesa-systems/mesa-stack/terminal/session"
)

const source = "cli"

// openSession connects to the active restaurant. The queue file is shared
// with every other command, so mutations queued by an earlier run are
// flushed first.
func openSession(cmd *cobra.Command, configure ...func(*session.Options)) (*session.Session, config.Target, error) {
	t := target(cmd)
	if err := t.RequireRestaurant(); err != nil {
		return nil, t, err
	}
	if err := ensureQueueDir(t.QueuePath); err != nil {
		return nil, t, err
	}

	token := t.Token
	opts := session.Options{
		BaseURL:      t.APIURL,
		RealtimeURL:  t.RealtimeURL,
		RestaurantID: t.RestaurantID,
		Token:        func() string { return token },
		Source:       source,
		QueuePath:    t.QueuePath,
		Logger:       newLogger(cmd),
	}
	for _, fn := range configure {
		fn(&opts)
	}

	s, err := session.Open(cmd.Context(), opts)
	if err != nil {
		return nil, t, err
	}
	return s, t, nil
}

func ensureQueueDir(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	return nil
}

// report prints how a mutation ended: applied, replayed or queued.
func report[T any](what string, res facade.Result[T]) {
	switch {
	case res.Queued:
		output.Warn("%s queued: erp unreachable, it will be replayed as transaction %s", what, res.Key)
	case res.Replayed:
		output.Info("%s was already applied (transaction %s)", what, res.Key)
	default:
		output.Success("%s (transaction %s)", what, res.Key)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveID expands a unique id prefix against the ids loaded locally. An
// unknown prefix is returned unchanged for the server to judge.
func resolveID(prefix string, ids []string) (string, error) {
	var matches []string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return prefix, nil
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("id prefix %q is ambiguous (%d matches)", prefix, len(matches))
}
