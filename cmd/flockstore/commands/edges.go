package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sanonone/flockstore/pkg/client"
)

var (
	getSource   string
	getDest     string
	getCursor   string
	getLimit    int
	countIn     bool
	waitForTask bool
)

var addCmd = &cobra.Command{
	Use:   "add SOURCE GRAPH DESTINATION",
	Short: "Add an edge",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, graph, dst, err := edgeArgs(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Add(ctx, src, graph, dst)
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove SOURCE GRAPH DESTINATION",
	Short: "Remove an edge",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, graph, dst, err := edgeArgs(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Remove(ctx, src, graph, dst)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get GRAPH",
	Short: "List edges by source, destination or both",
	Example: `  flockstore get follow --source 5        # who 5 follows, newest first
  flockstore get follow --dest 9          # who follows 9
  flockstore get follow --source 5 --dest 9 --limit 1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := client.Query{Graph: args[0]}
		var err error
		if q.SourceID, err = optionalInt(getSource, "source"); err != nil {
			return err
		}
		if q.DestinationID, err = optionalInt(getDest, "dest"); err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			page, err := c.Select(ctx, q, getCursor, getLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, page)
		})
	},
}

var countCmd = &cobra.Command{
	Use:   "count NODE GRAPH",
	Short: "Count live edges of a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := parseID(args[0], "node")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			n, err := c.Count(ctx, node, args[1], countIn)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		})
	},
}

var metaCmd = &cobra.Command{
	Use:   "meta SOURCE GRAPH",
	Short: "Show state, count and last update of a source node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := parseID(args[0], "source")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			meta, err := c.GetMetadata(ctx, src, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, meta)
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive SOURCE GRAPH",
	Short: "Hide every edge of a source node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := parseID(args[0], "source")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Archive(ctx, src, args[1])
		})
	},
}

var unarchiveCmd = &cobra.Command{
	Use:   "unarchive SOURCE GRAPH",
	Short: "Restore the edges hidden by archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := parseID(args[0], "source")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Unarchive(ctx, src, args[1])
		})
	},
}

var convergeCmd = &cobra.Command{
	Use:   "converge",
	Short: "Wait until every acknowledged write is visible",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Converge(ctx)
		})
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Snapshot the server state and truncate its log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			task, err := c.Save(ctx)
			if err != nil {
				return err
			}
			if waitForTask {
				if err := task.Wait(ctx, 100*time.Millisecond); err != nil {
					return err
				}
			}
			return printJSON(cmd, task)
		})
	},
}

func init() {
	getCmd.Flags().StringVar(&getSource, "source", "", "Source node id (omit for wildcard)")
	getCmd.Flags().StringVar(&getDest, "dest", "", "Destination node id (omit for wildcard)")
	getCmd.Flags().StringVar(&getCursor, "cursor", "", "Cursor from a previous page")
	getCmd.Flags().IntVar(&getLimit, "limit", 0, "Page size (0 for all)")
	countCmd.Flags().BoolVar(&countIn, "in", false, "Count incoming instead of outgoing edges")
	saveCmd.Flags().BoolVar(&waitForTask, "wait", false, "Block until the snapshot completes")
}

func edgeArgs(args []string) (int64, string, int64, error) {
	src, err := parseID(args[0], "source")
	if err != nil {
		return 0, "", 0, err
	}
	dst, err := parseID(args[2], "destination")
	if err != nil {
		return 0, "", 0, err
	}
	return src, args[1], dst, nil
}

func parseID(s, what string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s id %q: %w", what, s, err)
	}
	return v, nil
}

func optionalInt(s, what string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := parseID(s, what)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
