package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/e2ekit/internal/diagram"
	"github.com/rendis/e2ekit/internal/engine"
	"github.com/rendis/e2ekit/pkg/schema"
)

func newPlanCmd() *cobra.Command {
	var format, outPath string
	cmd := &cobra.Command{
		Use:   "plan FILE",
		Short: "Validate a pipeline definition and print its execution order",
		Long: `Plan orders the pipeline's nodes by their dependencies without running
anything. A dependency cycle is reported with every node that could not be
ordered. --format selects text (default), json, ascii, mermaid, png or svg;
png and svg are written to --out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			plan, err := engine.BuildPlan(p)
			if err != nil {
				return err
			}
			viewports, err := plan.Viewports()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "", "text":
				writePlanText(out, plan, viewports)
				return nil
			case "json":
				return writePlanJSON(out, plan, viewports)
			}

			model, err := diagram.Build(plan, nil, "")
			if err != nil {
				return err
			}
			switch format {
			case "ascii":
				fmt.Fprint(out, diagram.RenderASCII(model))
				return nil
			case "mermaid":
				fmt.Fprint(out, diagram.RenderMermaid(model))
				return nil
			case "png", "svg":
				if outPath == "" {
					return schema.NewErrorf(schema.ErrCodeValidation, "--out is required for %s", format)
				}
				img, err := diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format))
				if err != nil {
					return err
				}
				if err := os.WriteFile(outPath, img, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %s\n", outPath)
				return nil
			}
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown format %q", format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output: text, json, ascii, mermaid, png, svg")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "image output path for png and svg")
	return cmd
}

func writePlanText(w io.Writer, plan *engine.Plan, viewports []schema.ViewportSpec) {
	if plan.Pipeline.Name != "" {
		fmt.Fprintf(w, "pipeline %s\n", plan.Pipeline.Name)
	}
	labels := make([]string, 0, len(viewports))
	for _, vp := range viewports {
		labels = append(labels, vp.String())
	}
	fmt.Fprintf(w, "viewports: %s\n", strings.Join(labels, ", "))
	for i, id := range plan.Order {
		line := fmt.Sprintf("%2d. %s  %s  [%s]", i+1, id, plan.Nodes[id].File, plan.Policy(id))
		if deps := plan.Edges[id]; len(deps) > 0 {
			line += "  after " + strings.Join(deps, ", ")
		}
		fmt.Fprintln(w, line)
	}
}

func writePlanJSON(w io.Writer, plan *engine.Plan, viewports []schema.ViewportSpec) error {
	labels := make([]string, 0, len(viewports))
	for _, vp := range viewports {
		labels = append(labels, vp.String())
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"name":      plan.Pipeline.Name,
		"order":     plan.Order,
		"levels":    plan.Levels,
		"viewports": labels,
	})
}
