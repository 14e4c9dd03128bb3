package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tymefrontier/gatekeeper/internal/cli"
)

// Set via -ldflags at release build time.
var (
	version = "dev"
	commit  = ""
)

func buildVersion() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	c := strings.TrimSpace(commit)
	// git-describe style versions already carry the commit.
	if c == "" || strings.EqualFold(c, "unknown") || strings.Contains(v, c) {
		return v
	}
	return v + "+" + c
}

func main() {
	err := cli.NewRoot(buildVersion()).ExecuteContext(context.Background())
	if err == nil {
		return
	}
	var ee *cli.ExitError
	if errors.As(err, &ee) {
		if msg := ee.Message(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(ee.Code())
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
