package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/warden/internal/budget"
	"github.com/fyrsmithlabs/warden/internal/config"
	"github.com/fyrsmithlabs/warden/internal/confirm"
	"github.com/fyrsmithlabs/warden/internal/gate"
	wardenhttp "github.com/fyrsmithlabs/warden/internal/http"
	"github.com/fyrsmithlabs/warden/internal/policy"
)

type gateCheckOptions struct {
	params     []string
	paramsJSON string
	token      string
	remote     bool
}

func newGateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Inspect admission decisions",
	}
	cmd.AddCommand(newGateCheckCmd(opts), newGateStatsCmd(opts), newGateBudgetCmd(opts))
	return cmd
}

func newGateCheckCmd(opts *globalOptions) *cobra.Command {
	gco := &gateCheckOptions{}
	cmd := &cobra.Command{
		Use:   "check <tool>",
		Short: "Evaluate one tool call against the admission gate",
		Long: `Evaluate one tool call and print the decision as JSON.

By default the call is evaluated by a fresh local gate built from the
configured policy, so budget and token state start empty. With --remote the
call goes to a running warden serve and counts against its budget.

Examples:
  warden gate check execute_command --param command="git push --force"
  warden gate check write_file --param path=.env
  warden gate check write_file --params-json '{"path":"go.mod"}' --remote --token tok`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(gco.params, gco.paramsJSON)
			if err != nil {
				return err
			}
			req := wardenhttp.AdmissionRequest{Tool: args[0], Params: params, Token: gco.token}

			var d gate.Decision
			if gco.remote {
				client, err := newAPIClient(opts)
				if err != nil {
					return err
				}
				if err := client.admission(cmd.Context(), req, &d); err != nil {
					return err
				}
			} else {
				g, err := localGate(opts)
				if err != nil {
					return err
				}
				d = g.CheckAdmission(cmd.Context(), req.Tool, req.Params, req.Token)
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringArrayVarP(&gco.params, "param", "p", nil, "parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&gco.paramsJSON, "params-json", "", "parameters as a JSON object")
	cmd.Flags().StringVar(&gco.token, "token", "", "confirmation token for critical writes")
	cmd.Flags().BoolVar(&gco.remote, "remote", false, "ask the running server instead of a local gate")
	return cmd
}

func newGateStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show admission statistics of the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return remoteGet(cmd.Context(), opts, "/v1/admission/stats", &gate.Stats{}, cmd.OutOrStdout())
		},
	}
}

func newGateBudgetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show the exploration budget of the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return remoteGet(cmd.Context(), opts, "/v1/budget", &budget.Status{}, cmd.OutOrStdout())
		},
	}
}

func newTokenCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage confirmation tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <purpose>",
		Short: "Issue a one-shot confirmation token on the running server",
		Long: `Issue a confirmation token for a critical write. The token is single use,
expires after gate.token_ttl and replaces any outstanding token.

Examples:
  warden token issue "update go.mod for security patch"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var tok confirm.Token
			if err := client.do(cmd.Context(), "POST", "/v1/tokens", wardenhttp.TokenRequest{Purpose: args[0]}, &tok); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tok)
		},
	})
	return cmd
}

func remoteGet(ctx context.Context, opts *globalOptions, path string, out any, w io.Writer) error {
	client, err := newAPIClient(opts)
	if err != nil {
		return err
	}
	if err := client.do(ctx, "GET", path, nil, out); err != nil {
		return err
	}
	return printJSON(w, out)
}

// localGate builds a side-effect free gate from the configured policy.
func localGate(opts *globalOptions) (*gate.Gate, error) {
	cfg, err := config.Load(opts.root, opts.configPath)
	if err != nil {
		return nil, err
	}
	file := policy.Default()
	if cfg.Gate.PolicyFile != "" {
		if file, err = policy.Load(cfg.Gate.PolicyFile); err != nil {
			return nil, err
		}
	}
	compiled, err := file.Compile(cfg.Project.Root)
	if err != nil {
		return nil, err
	}
	ledger, err := budget.NewLedger(cfg.Budget)
	if err != nil {
		return nil, err
	}
	return gate.New(compiled.Resolver, confirm.NewIssuer(confirm.WithTTL(cfg.Gate.TokenTTL)), ledger,
		gate.WithName("check"),
		gate.WithCommandPolicy(compiled.Commands),
		gate.WithClassifier(compiled.Classifier)), nil
}

// parseParams merges a JSON object with key=value pairs; pairs win.
func parseParams(pairs []string, raw string) (map[string]any, error) {
	params := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("invalid --params-json: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
