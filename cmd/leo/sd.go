package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leoline/internal/app"
	"leoline/internal/domain"
	"leoline/internal/engine"
	"leoline/internal/engine/handoff"
	"leoline/internal/engine/progress"
	"leoline/internal/repo"
)

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func rowOf(vals ...any) table.Row { return table.Row(vals) }

func sdCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sd", Short: "Manage strategic directives"}
	cmd.AddCommand(sdCreateCmd())
	cmd.AddCommand(sdGetCmd())
	cmd.AddCommand(sdListCmd())
	cmd.AddCommand(sdSetParentCmd())
	cmd.AddCommand(sdStatusCmd())
	cmd.AddCommand(sdTreeCmd())
	cmd.AddCommand(sdRecomputeCmd())
	return cmd
}

func sdCreateCmd() *cobra.Command {
	var opts engine.SDCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an SD in draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID()
				sd, err := e.CreateSD(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndented(sd)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "sd id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "", "sd_type (feature, bugfix, infrastructure, documentation)")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "orchestrator sd id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func sdGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <sd-id>",
		Short: "Show an SD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sd, err := e.GetSD(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndented(sd)
			})
		},
	}
}

func sdListCmd() *cobra.Command {
	var f repo.SDFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List SDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSDs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Type", "Status", "Phase", "Progress", "Parent")
				for _, sd := range items {
					tw.AppendRow(rowOf(sd.ID, sd.Title, sd.Type, sd.Status, sd.CurrentPhase, fmt.Sprintf("%d%%", sd.Progress), deref(sd.ParentID)))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent sd id")
	cmd.Flags().BoolVar(&f.RootOnly, "roots", false, "only SDs without a parent")
	return cmd
}

func sdSetParentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-parent <sd-id> [parent-id]",
		Short: "Attach an SD to an orchestrator; omit the parent to detach",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := ""
			if len(args) == 2 {
				parent = args[1]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sd, err := e.SetParent(ctx, args[0], parent, actorID())
				if err != nil {
					return err
				}
				return printJSONOrIndented(sd)
			})
		},
	}
}

func sdStatusCmd() *cobra.Command {
	var pct int
	cmd := &cobra.Command{
		Use:   "status <sd-id> [status]",
		Short: "Write status and/or progress; refused unless evidence supports it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := engine.StateWrite{SDID: args[0], ActorID: actorID()}
			if len(args) == 2 {
				w.Status = args[1]
			}
			if cmd.Flags().Changed("progress") {
				w.Progress = &pct
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sd, err := e.WriteState(ctx, w)
				if err != nil {
					var iv *engine.IntegrityViolation
					if errors.As(err, &iv) && !viper.GetBool("json") {
						printBlocking(iv.BlockingReasons)
					}
					return err
				}
				return printJSONOrIndented(sd)
			})
		},
	}
	cmd.Flags().IntVar(&pct, "progress", 0, "progress value to assert")
	return cmd
}

func sdTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree [root-sd-id]",
		Short: "Show the orchestrator hierarchy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) == 1 {
				root = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				nodes, err := e.HierarchyStatus(ctx, root)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				lw := list.NewWriter()
				lw.SetOutputMirror(os.Stdout)
				lw.SetStyle(list.StyleConnectedRounded)
				for _, n := range nodes {
					appendNode(lw, n)
				}
				lw.Render()
				return nil
			})
		},
	}
}

func appendNode(lw list.Writer, n domain.HierarchyNode) {
	lw.AppendItem(fmt.Sprintf("%s %s [%s %d%%]", n.SDID, n.Title, n.Status, n.Progress))
	if len(n.Children) == 0 {
		return
	}
	lw.Indent()
	for _, c := range n.Children {
		appendNode(lw, c)
	}
	lw.UnIndent()
}

func sdRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <sd-id>",
		Short: "Rebuild cached progress from evidence and propagate to ancestors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Recompute(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	}
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <sd-id>",
		Short: "Show evidence-derived progress with phase breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	}
}

func printReport(rep engine.ProgressReport) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	fmt.Printf("%s: %d%% (stored %d%%) status=%s phase=%s handoff=%s verdict=%s\n",
		rep.SDID, rep.Score, rep.StoredProgress, rep.Status, rep.CurrentPhase, rep.HandoffPhase, rep.Verdict.Verdict)
	if rep.ProgressPinned != nil {
		fmt.Printf("progress pinned at %d%% by override\n", *rep.ProgressPinned)
	}
	if rep.Rollup != nil {
		fmt.Printf("orchestrator: %d counted children, %d cancelled, all completed=%t\n",
			rep.Rollup.Counted, rep.Rollup.Cancelled, rep.Rollup.AllCompleted)
	}
	tw := newTable("Phase", "Weight", "Mandatory", "Complete", "Reasons")
	for _, ph := range rep.Phases {
		tw.AppendRow(rowOf(ph.Phase, ph.Weight, ph.Mandatory, ph.Complete, strings.Join(ph.Reasons, "; ")))
	}
	tw.Render()
	printBlocking(rep.BlockingReasons)
	return nil
}

func printBlocking(reasons []progress.BlockingReason) {
	if len(reasons) == 0 {
		return
	}
	tw := newTable("Phase", "Code", "Gap", "Message")
	for _, br := range reasons {
		tw.AppendRow(rowOf(br.Phase, br.Code, br.Gap, br.Message))
	}
	tw.Render()
}

func handoffCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "handoff", Short: "Phase hand-offs"}
	cmd.AddCommand(handoffSubmitCmd())
	cmd.AddCommand(handoffAcceptCmd())
	cmd.AddCommand(handoffRejectCmd())
	cmd.AddCommand(handoffListCmd())
	cmd.AddCommand(handoffValidateCmd())
	return cmd
}

// readPayload returns the inline payload, or the named file's content ("-" reads stdin).
func readPayload(inline, file string) (json.RawMessage, error) {
	if inline != "" {
		return json.RawMessage(inline), nil
	}
	if file == "" {
		return nil, fmt.Errorf("--payload or --payload-file required")
	}
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func handoffSubmitCmd() *cobra.Command {
	var from, to, payload, payloadFile string
	var pending bool
	cmd := &cobra.Command{
		Use:   "submit <sd-id>",
		Short: "Submit a hand-off (accepted immediately unless --pending)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payload, payloadFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.SubmitHandoff(ctx, engine.HandoffSubmitOptions{
					SDID:    args[0],
					From:    domain.Phase(from),
					To:      domain.Phase(to),
					Payload: raw,
					ActorID: actorID(),
					Accept:  !pending,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndented(h)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "from phase")
	cmd.Flags().StringVar(&to, "to", "", "to phase")
	cmd.Flags().StringVar(&payload, "payload", "", "inline JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "payload file (- for stdin)")
	cmd.Flags().BoolVar(&pending, "pending", false, "leave the hand-off pending acceptance")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func handoffAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <handoff-id>",
		Short: "Accept a pending hand-off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.AcceptHandoff(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrIndented(h)
			})
		},
	}
}

func handoffRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <handoff-id>",
		Short: "Reject a pending hand-off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.RejectHandoff(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrIndented(h)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func handoffListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <sd-id>",
		Short: "List hand-offs for an SD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListHandoffs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "From", "To", "Status", "By", "Created", "Reason")
				for _, h := range items {
					tw.AppendRow(rowOf(h.ID, h.FromPhase, h.ToPhase, h.Status, h.CreatedBy, h.CreatedAt, deref(h.RejectionReason)))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func handoffValidateCmd() *cobra.Command {
	var payload, payloadFile string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a hand-off payload without submitting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payload, payloadFile)
			if err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			res := handoff.RulesFromConfig(cfg).ValidateJSON(string(raw))
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.Valid {
				fmt.Println("payload OK")
				return nil
			}
			return &engine.ValidationError{Message: "invalid hand-off payload", MissingFields: res.MissingFields, PlaceholderFields: res.PlaceholderFields}
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "inline JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "payload file (- for stdin)")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "verify", Short: "Verification agent results"}
	cmd.AddCommand(verifyRecordCmd())
	cmd.AddCommand(verifyListCmd())
	cmd.AddCommand(verifyGateCmd())
	return cmd
}

func verifyRecordCmd() *cobra.Command {
	var opts engine.VerificationOptions
	var verdict, findings string
	cmd := &cobra.Command{
		Use:   "record <sd-id>",
		Short: "Append an agent verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SDID = args[0]
			opts.Verdict = domain.Verdict(strings.ToUpper(verdict))
			opts.ActorID = actorID()
			if findings != "" {
				opts.Findings = json.RawMessage(findings)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordVerification(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndented(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentCode, "agent", "", "agent code (e.g. TESTING, SECURITY)")
	cmd.Flags().StringVar(&verdict, "verdict", "", "PASS, CONDITIONAL_PASS, BLOCKED, MANUAL_REQUIRED, PENDING or ERROR")
	cmd.Flags().IntVar(&opts.Confidence, "confidence", 0, "confidence 0..100")
	cmd.Flags().StringVar(&findings, "findings", "", "findings JSON")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func verifyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <sd-id>",
		Short: "List verification results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListVerificationResults(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "Agent", "Verdict", "Confidence", "By", "Recorded")
				for _, r := range items {
					tw.AppendRow(rowOf(r.Seq, r.AgentCode, r.Verdict, r.Confidence, r.RecordedBy, r.RecordedAt))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func verifyGateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate <sd-id>",
		Short: "Show the aggregate gate verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gv, err := e.GateVerdict(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndented(gv)
			})
		},
	}
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "User stories and deliverables"}
	cmd.AddCommand(itemAddCmd())
	cmd.AddCommand(itemUpdateCmd())
	cmd.AddCommand(itemListCmd())
	return cmd
}

func itemAddCmd() *cobra.Command {
	var opts engine.SubItemOptions
	cmd := &cobra.Command{
		Use:   "add <sd-id>",
		Short: "Add a user story or deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SDID = args[0]
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.AddSubItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndented(it)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", domain.SubItemDeliverable, "user_story or deliverable")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().BoolVar(&opts.Mandatory, "mandatory", false, "deliverable counts toward the EXEC gate")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemUpdateCmd() *cobra.Command {
	var mandatory, validated, completed bool
	cmd := &cobra.Command{
		Use:   "update <item-id>",
		Short: "Update sub-item flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := engine.SubItemUpdate{ID: args[0], ActorID: actorID()}
			if cmd.Flags().Changed("mandatory") {
				u.Mandatory = &mandatory
			}
			if cmd.Flags().Changed("validated") {
				u.Validated = &validated
			}
			if cmd.Flags().Changed("completed") {
				u.Completed = &completed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.UpdateSubItem(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrIndented(it)
			})
		},
	}
	cmd.Flags().BoolVar(&mandatory, "mandatory", false, "mandatory flag")
	cmd.Flags().BoolVar(&validated, "validated", false, "validated flag")
	cmd.Flags().BoolVar(&completed, "completed", false, "completed flag")
	return cmd
}

func itemListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <sd-id>",
		Short: "List sub-items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSubItems(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "Title", "Mandatory", "Validated", "Completed")
				for _, it := range items {
					tw.AppendRow(rowOf(it.ID, it.Kind, it.Title, it.Mandatory, it.Validated, it.Completed))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func artifactCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "artifact", Short: "PRD and retrospective artifacts"}
	cmd.AddCommand(artifactRecordCmd())
	cmd.AddCommand(artifactListCmd())
	return cmd
}

func artifactRecordCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "record <sd-id> <prd|retrospective>",
		Short: "Record or update an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RecordArtifact(ctx, args[0], args[1], status, actorID())
				if err != nil {
					return err
				}
				return printJSONOrIndented(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", domain.ArtifactDraft, "draft or complete")
	return cmd
}

func artifactListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <sd-id>",
		Short: "List artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListArtifacts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "Status", "By", "Updated")
				for _, a := range items {
					tw.AppendRow(rowOf(a.ID, a.Kind, a.Status, a.CreatedBy, a.UpdatedAt))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func overrideCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "override", Short: "Audited administrative overrides"}
	cmd.AddCommand(overrideApplyCmd())
	cmd.AddCommand(overrideListCmd())
	return cmd
}

func overrideApplyCmd() *cobra.Command {
	var req engine.OverrideRequest
	var pct int
	cmd := &cobra.Command{
		Use:   "apply <sd-id>",
		Short: "Force status/progress past the gates (recorded permanently)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SDID = args[0]
			req.ActorID = actorID()
			if cmd.Flags().Changed("progress") {
				req.Progress = &pct
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sd, rec, err := e.Override(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrIndented(map[string]any{"sd": sd, "override": rec})
			})
		},
	}
	cmd.Flags().StringVar(&req.NewStatus, "status", "", "new status")
	cmd.Flags().IntVar(&pct, "progress", 0, "pin progress to this value")
	cmd.Flags().BoolVar(&req.ClearPin, "clear-pin", false, "drop a pinned progress and return to the derived score")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "justification (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func overrideListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <sd-id>",
		Short: "List override records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListOverrides(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Actor", "Status", "Progress", "Derived", "Reason", "At")
				for _, o := range items {
					tw.AppendRow(rowOf(o.ID, o.ActorID,
						o.FromStatus+" -> "+o.ToStatus,
						fmt.Sprintf("%d -> %d", o.FromProgress, o.ToProgress),
						o.DerivedProgress, o.Reason, o.CreatedAt))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func leaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lease", Short: "Claim exclusive work on an SD"}
	cmd.AddCommand(leaseClaimCmd())
	cmd.AddCommand(leaseReleaseCmd())
	cmd.AddCommand(leaseShowCmd())
	return cmd
}

func leaseClaimCmd() *cobra.Command {
	var seconds int
	cmd := &cobra.Command{
		Use:   "claim <sd-id>",
		Short: "Claim or renew the lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ClaimLease(ctx, args[0], actorID(), seconds)
				if err != nil {
					return err
				}
				return printJSONOrIndented(l)
			})
		},
	}
	cmd.Flags().IntVar(&seconds, "seconds", 0, "lease duration (config default when 0)")
	return cmd
}

func leaseReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <sd-id>",
		Short: "Release your lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ReleaseLease(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("released")
				return nil
			})
		},
	}
}

func leaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <sd-id>",
		Short: "Show the current lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.GetLease(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndented(l)
			})
		},
	}
}
