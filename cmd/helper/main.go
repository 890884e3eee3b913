// Command helper runs one IPA helper process: it loads a peer config,
// opens the mutual-TLS listener spec.md §4.A describes, and serves the
// Query API and H2H API until told to stop. Grounded in the teacher's
// cli/cosi and app/cosi main.go command-line shape (urfave/cli, a
// single long-running server command taking a config path and a
// debug-level flag).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/dedis/ipa-helper/internal/config"
	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/netlayer"
	"github.com/dedis/ipa-helper/internal/queryproc"
	"github.com/dedis/ipa-helper/internal/transport"
	"github.com/dedis/ipa-helper/internal/validator"
	"github.com/dedis/ipa-helper/internal/xlog"

	// registers booleanAND/fpSum/tinyIPA with internal/registry.
	_ "github.com/dedis/ipa-helper/internal/protocols"
)

func main() {
	app := &cli.App{
		Name:  "helper",
		Usage: "run an IPA helper process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to this helper's config.toml",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "malicious",
				Usage: "run every query under the malicious (MAC-checked) validator instead of semi-honest",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	serverTLS, err := netlayer.ServerTLSConfig(cfg.TLSMaterial)
	if err != nil {
		return err
	}
	clientTLS, err := netlayer.ClientTLSConfig(cfg.TLSMaterial)
	if err != nil {
		return err
	}
	client := netlayer.NewClient(cfg.Peers, clientTLS)

	// transport.NewHTTP needs a RoleResolver that in turn belongs to the
	// Processor, and the Processor needs a Transport to construct with;
	// close the cycle with a forwarding closure, the same trick
	// queryproc's own tests use with the in-memory mesh.
	var proc *queryproc.Processor
	tr := transport.NewHTTP(client, func(qid model.QueryId, role model.Role) (model.HelperIdentity, error) {
		return proc.RoleResolver()(qid, role)
	})

	newValidator := func() validator.Validator { return validator.SemiHonest{} }
	if c.Bool("malicious") {
		newValidator = func() validator.Validator { return validator.NewMalicious(field.Fp32BitPrime) }
	}

	followers := make([]model.HelperIdentity, 0, len(cfg.Peers))
	for id := range cfg.Peers {
		followers = append(followers, id)
	}

	proc = queryproc.New(queryproc.Config{
		Self:         cfg.Identity,
		Followers:    followers,
		Transport:    tr,
		Timeout:      cfg.QueryTimeout,
		NewValidator: newValidator,
		BoxPub:       cfg.BoxPub,
		BoxPriv:      cfg.BoxPriv,
	})

	server := netlayer.NewServer(cfg.ListenAddr, serverTLS, proc, proc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	xlog.Lvl1(fmt.Sprintf("helper: starting as %s, listening on %s", cfg.Identity, cfg.ListenAddr))
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("helper: %w", err)
	}
	xlog.Lvl1("helper: shut down cleanly")
	return nil
}
