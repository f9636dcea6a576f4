package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/njoerd114/pimsync/internal/auth"
	"github.com/njoerd114/pimsync/internal/config"
	"github.com/njoerd114/pimsync/internal/dav"
	"github.com/njoerd114/pimsync/internal/model"
)

// DiscoverFunc lists the collections an account can see.
type DiscoverFunc func(ctx context.Context, acct config.AccountConfig) ([]dav.RemoteCollection, error)

// Wizard walks the user through configuring one account and writes the
// config file.
type Wizard struct {
	prompt   *Prompter
	w        io.Writer
	logger   *slog.Logger
	discover DiscoverFunc
}

// NewWizard creates a Wizard wired to the given I/O. Discovery talks to the
// real server through [dav.Client].
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:   NewPrompter(r, w),
		w:        w,
		logger:   logger,
		discover: Discover,
	}
}

// Discover resolves the account's credential and runs DAV discovery.
func Discover(ctx context.Context, acct config.AccountConfig) ([]dav.RemoteCollection, error) {
	scheme, err := auth.ParseScheme(acct.AuthScheme)
	if err != nil {
		return nil, err
	}
	provider := auth.NewProvider([]auth.Credential{{
		AccountID: acct.ID,
		Username:  acct.Username,
		Scheme:    scheme,
		TokenEnv:  acct.TokenEnv,
		TokenFile: acct.TokenFile,
	}})
	ts, err := provider.TokenSource(acct.ID)
	if err != nil {
		return nil, err
	}
	client, err := dav.New(dav.Options{BaseURL: acct.BaseURL, TokenSource: ts})
	if err != nil {
		return nil, err
	}
	d, err := client.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return d.Collections, nil
}

var policies = []model.ConflictPolicy{
	model.PolicyLastModifiedWins,
	model.PolicyServerWins,
	model.PolicyClientWins,
	model.PolicyAskUser,
}

// Run executes the wizard and writes the result to cfgPath.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) error {
	fmt.Fprintf(wiz.w, "\nWelcome to pimsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard connects one CalDAV/CardDAV account.\n\n")

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	fmt.Fprintf(wiz.w, "Step 1/3 — Account\n")
	acct, err := wiz.askAccount()
	if err != nil {
		return err
	}

	fmt.Fprintf(wiz.w, "  Discovering collections...")
	colls, err := wiz.discover(ctx, acct)
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		wiz.logger.Warn("discovery failed", "url", acct.BaseURL, "error", err)
		fmt.Fprintf(wiz.w, "  %v\n", err)
		if !wiz.prompt.Confirm("Save the account anyway?", false) {
			return fmt.Errorf("cannot reach %s: %w", acct.BaseURL, err)
		}
	} else {
		fmt.Fprintf(wiz.w, " ✓\n")
		for _, c := range colls {
			fmt.Fprintf(wiz.w, "    • %-12s %s\n", c.Resource, c.DisplayName)
		}
	}
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 2/3 — What to sync\n")
	if err := wiz.askResources(&acct, colls); err != nil {
		return err
	}
	labels := make([]string, len(policies))
	for i, p := range policies {
		labels[i] = p.String()
	}
	idx, err := wiz.prompt.Choose("When both sides changed an item", labels, 0)
	if err != nil {
		return err
	}
	if policies[idx] != model.PolicyLastModifiedWins {
		acct.ConflictPolicy = policies[idx].String()
	}
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 3/3 — Save Configuration\n")
	cfg := &config.Config{Accounts: []config.AccountConfig{acct}}
	if err := cfg.Write(cfgPath); err != nil {
		return err
	}
	if _, err := config.Load(cfgPath); err != nil {
		return fmt.Errorf("written config does not load: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)

	fmt.Fprintf(wiz.w, "Setup complete. Make sure $%s holds the account secret, then run:\n", acct.TokenEnv)
	fmt.Fprintf(wiz.w, "  pimsync sync-once   # first sync\n")
	fmt.Fprintf(wiz.w, "  pimsync daemon      # keep syncing\n\n")
	return nil
}

var nonIdent = regexp.MustCompile(`[^A-Z0-9]+`)

func (wiz *Wizard) askAccount() (config.AccountConfig, error) {
	var (
		acct config.AccountConfig
		err  error
	)
	if acct.ID, err = wiz.prompt.Text("Account name", "default"); err != nil {
		return acct, err
	}
	if acct.BaseURL, err = wiz.prompt.Text("Server URL (e.g. https://dav.example.com/)", ""); err != nil {
		return acct, err
	}

	idx, err := wiz.prompt.Choose("Authentication", []string{
		"bearer token / app password",
		"basic (username + password)",
	}, 0)
	if err != nil {
		return acct, err
	}
	if idx == 1 {
		acct.AuthScheme = string(auth.SchemeBasic)
		if acct.Username, err = wiz.prompt.Text("Username", ""); err != nil {
			return acct, err
		}
	}

	envName := "PIMSYNC_" + strings.Trim(nonIdent.ReplaceAllString(strings.ToUpper(acct.ID), "_"), "_") + "_TOKEN"
	if acct.TokenEnv, err = wiz.prompt.Text("Environment variable holding the secret", envName); err != nil {
		return acct, err
	}
	return acct, nil
}

// askResources enables the resource types the user picks, offering only the
// types discovery found when it succeeded.
func (wiz *Wizard) askResources(acct *config.AccountConfig, colls []dav.RemoteCollection) error {
	offered := model.ConcreteResources()
	if len(colls) > 0 {
		found := make(map[model.ResourceType]bool)
		for _, c := range colls {
			found[c.Resource] = true
		}
		offered = offered[:0:0]
		for _, r := range model.ConcreteResources() {
			if found[r] {
				offered = append(offered, r)
			}
		}
	}

	labels := make([]string, len(offered))
	for i, r := range offered {
		labels[i] = r.String()
	}
	picked, err := wiz.prompt.ChooseMany("Resource types", labels)
	if err != nil {
		return err
	}
	for _, i := range picked {
		switch offered[i] {
		case model.ResourceCalendar:
			acct.Calendars = true
		case model.ResourceAddressBook:
			acct.Contacts = true
		case model.ResourceTaskList:
			acct.Tasks = true
		}
	}
	return nil
}
