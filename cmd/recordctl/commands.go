package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/recordkit/internal/blog"
	"github.com/thebtf/recordkit/internal/config"
	"github.com/thebtf/recordkit/internal/logging"
	"github.com/thebtf/recordkit/pkg/models"
	"github.com/thebtf/recordkit/pkg/record"
)

type rootOptions struct {
	settings string
	logLevel string
	key      string
	jsonOut  bool
	cfg      *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "recordctl",
		Short: "Manage recordkit data sources",
		Long: `recordctl manages the data sources described by a recordkit settings file.

It creates, updates and drops the schema of the sample blog models, prints
their metadata, reports data source health and runs a nested scope demo.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := opts.settings
			if path == "" {
				path = config.SettingsPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			opts.cfg = cfg

			level := opts.logLevel
			if level == "" {
				level = cfg.LogLevel
			}
			if cfg.Debug && opts.logLevel == "" {
				level = "debug"
			}
			logging.Setup(level, true)
			log.Debug().Str("settings", path).Strs("keys", cfg.Keys()).Msg("Settings loaded")
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.settings, "settings", "", "settings file (default $RECORDKIT_SETTINGS or ~/.recordkit/settings.json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.key, "key", config.DefaultKey, "data source the sample models are bound to")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		newInitCmd(opts),
		newSchemaCmd(opts),
		newModelsCmd(opts),
		newHealthCmd(opts),
		newDemoCmd(opts),
	)
	return root
}

// openEngine opens the configured data sources with the blog models bound to
// the selected key.
func (o *rootOptions) openEngine(ctx context.Context) (*record.Engine, error) {
	e, err := record.New(ctx, o.cfg)
	if err != nil {
		return nil, err
	}
	if err := blog.Register(e, o.key); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (o *rootOptions) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *record.Engine) error) error {
	ctx := cmd.Context()
	e, err := o.openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Warn().Err(err).Msg("Close engine")
		}
	}()
	return fn(ctx, e)
}

func (o *rootOptions) printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default settings file",
		Args:  cobra.NoArgs,
		// The settings file may not exist or parse yet.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(opts.logLevel, true)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.settings
			if path == "" {
				path = config.SettingsPath()
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")
	return cmd
}

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create, update or drop the schema of the sample models",
	}

	run := func(verb string, fn func(e *record.Engine, ctx context.Context) error) *cobra.Command {
		return &cobra.Command{
			Use:   verb,
			Short: strings.ToUpper(verb[:1]) + verb[1:] + " the schema",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withEngine(cmd, func(ctx context.Context, e *record.Engine) error {
					if err := fn(e, ctx); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "schema %s: ok\n", verb)
					return err
				})
			},
		}
	}

	cmd.AddCommand(
		run("create", (*record.Engine).CreateSchema),
		run("update", (*record.Engine).UpdateSchema),
		run("drop", (*record.Engine).DropSchema),
	)
	return cmd
}

type propertyInfo struct {
	Name       string `json:"name"`
	Column     string `json:"column"`
	Type       string `json:"type"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
	NotNull    bool   `json:"not_null,omitempty"`
	Unique     bool   `json:"unique,omitempty"`
	Size       int    `json:"size,omitempty"`
}

type modelInfo struct {
	Name       string             `json:"name"`
	Table      string             `json:"table"`
	Key        string             `json:"key"`
	SoftDelete bool               `json:"soft_delete"`
	Properties []propertyInfo     `json:"properties"`
	Relations  []*models.Relation `json:"relations,omitempty"`
}

func describe(m *models.Model) modelInfo {
	info := modelInfo{
		Name:       m.Name,
		Table:      m.Table,
		Key:        m.Key,
		SoftDelete: m.SoftDelete,
		Relations:  m.Relations,
	}
	for _, p := range m.Properties {
		info.Properties = append(info.Properties, propertyInfo{
			Name:       p.Name,
			Column:     p.Column,
			Type:       p.Type.String(),
			PrimaryKey: p.PrimaryKey,
			NotNull:    p.NotNull,
			Unique:     p.Unique,
			Size:       p.Size,
		})
	}
	return info
}

func newModelsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Print the metadata of the sample models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *record.Engine) error {
				ms := e.Models()
				infos := make([]modelInfo, 0, len(ms))
				for _, m := range ms {
					infos = append(infos, describe(m))
				}
				if opts.jsonOut {
					return opts.printJSON(cmd.OutOrStdout(), infos)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, info := range infos {
					fmt.Fprintf(tw, "%s\ttable=%s\tkey=%s\tsoft_delete=%t\n", info.Name, info.Table, info.Key, info.SoftDelete)
					for _, p := range info.Properties {
						flags := ""
						if p.PrimaryKey {
							flags = "pk"
						}
						fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", p.Name, p.Column, p.Type, flags)
					}
					for _, r := range info.Relations {
						fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", r.Name, r.Kind, r.Target, r.JoinTable)
					}
				}
				return tw.Flush()
			})
		},
	}
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report the health of every data source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *record.Engine) error {
				health := e.Health(ctx)
				if opts.jsonOut {
					if err := opts.printJSON(cmd.OutOrStdout(), health); err != nil {
						return err
					}
				}

				var unhealthy []string
				for _, key := range e.Keys() {
					h := health[key]
					if h == nil {
						continue
					}
					if !opts.jsonOut {
						detail := h.Error
						if detail == "" {
							detail = h.Warning
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", key, h.Driver, h.Status, detail)
					}
					if h.Status == record.StatusUnhealthy {
						unhealthy = append(unhealthy, key)
					}
				}
				if len(unhealthy) > 0 {
					return fmt.Errorf("unhealthy data sources: %s", strings.Join(unhealthy, ", "))
				}
				return nil
			})
		},
	}
}

func newDemoCmd(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a session scope holding a rolled back and a committed transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *record.Engine) error {
				if err := e.UpdateSchema(ctx); err != nil {
					return err
				}
				if name == "" {
					name = blog.DemoBlogName()
				}
				res, err := blog.Demo(ctx, e, name)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return opts.printJSON(cmd.OutOrStdout(), res)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "blog %q (id %d)\n", res.Blog.Name, res.Blog.ID)
				fmt.Fprintf(out, "draft transaction committed: %t\n", res.DraftCommitted)
				fmt.Fprintf(out, "release transaction committed: %t\n", res.ReleaseCommitted)
				for _, p := range res.Posts {
					fmt.Fprintf(out, "post %d %q published=%t\n", p.ID, p.Title, p.Published)
				}
				fmt.Fprintf(out, "comments: %d\n", res.Comments)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "blog", "", "blog name (default a random demo-* name)")
	return cmd
}
