package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/config"
	"github.com/deepnoodle-ai/graphflow/nodes"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type cli struct {
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
}

func main() {
	c := &cli{}
	root := &cobra.Command{
		Use:           "graphflow",
		Short:         "Validate and run graph workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = cfg.Logger()
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "Path to config file")
	root.AddCommand(c.validateCommand(), c.runCommand(), c.historyCommand(), c.instancesCommand())

	if err := root.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func (c *cli) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.yaml>",
		Short: "Check a definition for structural and config errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := graphflow.LoadDefinitionFile(args[0])
			if err != nil {
				return err
			}
			result := graphflow.Validate(def.Graph, graphflow.WithConfigValidators(nodes.ConfigValidators()))
			if result.OK {
				color.Green("%s is valid (%d nodes, %d edges)", def.Name, len(def.Graph.Nodes), len(def.Graph.Edges))
				return nil
			}
			color.Red("%s has %d errors:", def.Name, len(result.Errors))
			for _, e := range result.Errors {
				if e.NodeKey != "" {
					fmt.Printf("  [%s] %s: %s\n", e.Code, e.NodeKey, e.Message)
				} else {
					fmt.Printf("  [%s] %s\n", e.Code, e.Message)
				}
			}
			return fmt.Errorf("validation failed")
		},
	}
}

func (c *cli) runCommand() *cobra.Command {
	var (
		inputs  []string
		timeout time.Duration
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "run <definition.yaml>",
		Short: "Publish a definition and run one instance of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			if timeout > 0 {
				c.cfg.Engine.InstanceTimeout = timeout
			}
			return c.run(cmd.Context(), args[0], variables, asJSON)
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input variable in format key=value (repeatable)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Instance timeout (e.g. 30s, 5m)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the final instance record as JSON")
	return cmd
}

func (c *cli) run(ctx context.Context, path string, variables map[string]any, asJSON bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stores, err := c.cfg.OpenStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	def, err := graphflow.LoadDefinitionFile(path)
	if err != nil {
		return err
	}
	if err := stores.Definitions.SaveDefinition(ctx, def); err != nil {
		return err
	}
	publisher, err := graphflow.NewPublisher(graphflow.PublisherOptions{
		Definitions:     stores.Definitions,
		Snapshots:       stores.Snapshots,
		ValidateOptions: []graphflow.ValidateOption{graphflow.WithConfigValidators(nodes.ConfigValidators())},
		Logger:          c.logger,
	})
	if err != nil {
		return err
	}
	snapshot, err := publisher.Publish(ctx, def.ID)
	if err != nil {
		return err
	}
	color.Cyan("Workflow: %s (version %d)", snapshot.Name, snapshot.Version)

	registry, err := nodes.NewRegistry(nodes.Options{})
	if err != nil {
		return err
	}
	opts := c.cfg.EngineOptions()
	opts.Registry = registry
	opts.Snapshots = stores.Snapshots
	opts.Instances = stores.Instances
	opts.Events = stores.Events
	opts.Logger = c.logger
	engine, err := graphflow.NewEngine(opts)
	if err != nil {
		return err
	}

	id, err := engine.Start(ctx, snapshot.ID, variables)
	if err != nil {
		return err
	}
	color.Green("Started instance %s", id)

	// Ctrl-C cancels the instance and waits for it to stop
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	record, err := engine.Wait(sigCtx, id)
	if err != nil {
		color.Yellow("Cancelling instance %s", id)
		if err := engine.Cancel(id); err != nil {
			return err
		}
		if record, err = engine.Wait(context.Background(), id); err != nil {
			return err
		}
	}

	if asJSON {
		data, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		showRecord(record)
	}
	if record.State != graphflow.InstanceSucceeded {
		return fmt.Errorf("instance %s finished %s", record.ID, record.State)
	}
	return nil
}

func (c *cli) historyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Print the node history of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			stores, err := c.cfg.OpenStores(ctx)
			if err != nil {
				return err
			}
			defer stores.Close()
			events, err := stores.Events.Events(ctx, args[0])
			if err != nil {
				return err
			}
			if len(events) == 0 {
				color.Yellow("No history for %s", args[0])
				return nil
			}
			for _, event := range events {
				showEvent(event)
			}
			return nil
		},
	}
}

func (c *cli) instancesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List stored instances, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			stores, err := c.cfg.OpenStores(ctx)
			if err != nil {
				return err
			}
			defer stores.Close()
			summaries, err := stores.Instances.ListInstances(ctx)
			if err != nil {
				return err
			}
			for _, s := range summaries {
				fmt.Printf("%s  %-10s  %s v%d  %v\n", s.InstanceID, stateColor(s.State).Sprint(s.State), s.Name, s.Version, s.Duration)
			}
			return nil
		},
	}
}

// parseInputs parses key=value pairs. Values are parsed as JSON if
// possible, otherwise kept as strings.
func parseInputs(inputs []string) (map[string]any, error) {
	variables := make(map[string]any, len(inputs))
	for _, input := range inputs {
		key, value, ok := strings.Cut(input, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, use key=value", input)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		variables[key] = parsed
	}
	return variables, nil
}

func stateColor(state graphflow.InstanceState) *color.Color {
	switch state {
	case graphflow.InstanceSucceeded:
		return color.New(color.FgGreen)
	case graphflow.InstanceFailed, graphflow.InstanceTimedOut:
		return color.New(color.FgRed)
	case graphflow.InstanceCancelled:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgWhite)
}

func showRecord(record *graphflow.InstanceRecord) {
	stateColor(record.State).Printf("Status: %s\n", record.State)
	color.White("Duration: %v", record.Duration())
	if record.Failure != nil {
		color.Red("Failure: [%s] %s", record.Failure.Type, record.Failure.Message)
	}
	if len(record.Variables) == 0 {
		return
	}
	fmt.Println()
	color.Magenta("Variables:")
	keys := make([]string, 0, len(record.Variables))
	for k := range record.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if data, err := json.Marshal(record.Variables[key]); err == nil {
			fmt.Printf("  %s: %s\n", key, data)
		} else {
			fmt.Printf("  %s: %v\n", key, record.Variables[key])
		}
	}
}

func showEvent(event *graphflow.HistoryEvent) {
	line := fmt.Sprintf("%4d  %s  %-12s %-10s", event.Seq, event.Timestamp.Format(time.RFC3339), event.NodeKey, event.Status)
	switch event.Status {
	case graphflow.NodeDone:
		color.Green("%s %v", line, event.Duration)
	case graphflow.NodeError:
		color.Red("%s [%s] %s", line, event.ErrorType, event.Error)
	case graphflow.NodeSkipped:
		color.Yellow("%s", line)
	default:
		fmt.Println(line)
	}
}
