package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openvcs/workcopy/internal/wc/conflict"
	"github.com/openvcs/workcopy/internal/wc/status"
	"github.com/openvcs/workcopy/internal/wc/store"
	"github.com/openvcs/workcopy/internal/wc/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func openWorkspace() (*workspace.Workspace, error) {
	return workspace.Open(viper.GetString("root"))
}

// statusCode renders the one-column status code the way frontends expect:
// M modified, A added, D deleted, R replaced, C conflicted, ? unversioned,
// ! missing, X excluded, space for clean.
func statusCode(e *status.Entry) string {
	switch {
	case e.Conflicted():
		return red("C")
	case e.Unversioned:
		return yellow("?")
	case e.Missing:
		return red("!")
	case e.Excluded:
		return "X"
	case e.Schedule == "add":
		return green("A")
	case e.Schedule == "delete":
		return red("D")
	case e.Schedule == "replace":
		return yellow("R")
	case e.TextModified || e.PropsModified:
		return cyan("M")
	default:
		return " "
	}
}

func statusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status [PATH]",
		Short: "Show the status of versioned and unversioned paths",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			w, err := openWorkspace()
			if err != nil {
				return err
			}
			defer w.Close()

			return w.Status(cmd.Context(), target, status.DepthInfinity, func(e *status.Entry) error {
				code := statusCode(e)
				if !all && code == " " {
					return nil
				}
				name := e.RelPath
				if name == "" {
					name = "."
				}
				fmt.Fprintf(os.Stdout, "%s  %s\n", code, name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "show clean entries too")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info PATH",
		Short: "Show the recorded metadata for one path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace()
			if err != nil {
				return err
			}
			defer w.Close()

			n, err := w.GetNodeInfo(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Path: %s\n", n.RelPath)
			fmt.Printf("Kind: %s\n", n.Kind)
			fmt.Printf("Schedule: %s\n", n.Schedule())
			fmt.Printf("Revision: %d\n", n.Revision)
			if n.Checksum != "" {
				fmt.Printf("Checksum: %s\n", n.Checksum)
				fmt.Printf("Size: %s\n", humanize.Bytes(uint64(n.TranslatedSize)))
			}
			if n.ChangedRev > 0 {
				fmt.Printf("Last Changed Rev: %d\n", n.ChangedRev)
				fmt.Printf("Last Changed Author: %s\n", n.ChangedAuthor)
				fmt.Printf("Last Changed Date: %s\n", n.ChangedDate)
			}
			if n.CopyFromPath != "" {
				fmt.Printf("Copied From: %s@%d\n", n.CopyFromPath, n.CopyFromRev)
			}
			if n.LockToken != "" {
				fmt.Printf("Lock Token: %s\n", n.LockToken)
				fmt.Printf("Lock Owner: %s\n", n.LockOwner)
			}
			return nil
		},
	}
}

func conflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List every conflicted path",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace()
			if err != nil {
				return err
			}
			defer w.Close()

			conflicts, err := w.ListConflicts()
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("no conflicts")
				return nil
			}
			for _, c := range conflicts {
				fmt.Printf("%s  %s (%s: %s vs %s)\n",
					red("C"), c.RelPath, c.Kind, c.Reason, c.Action)
			}
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	var accept string
	var kindFlag string
	cmd := &cobra.Command{
		Use:   "resolve PATH",
		Short: "Resolve a recorded conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			choice, err := conflict.ParseChoice(accept)
			if err != nil {
				return err
			}
			kind := store.ConflictKind(strings.ToLower(kindFlag))
			switch kind {
			case store.ConflictText, store.ConflictProp, store.ConflictTree:
			default:
				return fmt.Errorf("unknown conflict kind %q", kindFlag)
			}

			w, err := openWorkspace()
			if err != nil {
				return err
			}
			defer w.Close()

			return w.Resolve(cmd.Context(), args[0], kind, choice)
		},
	}
	cmd.Flags().StringVar(&accept, "accept", "merged", "resolution choice: base|mine|theirs|merged")
	cmd.Flags().StringVar(&kindFlag, "kind", "text", "conflict kind: text|prop|tree")
	return cmd
}

func propGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "propget NAME PATH",
		Short: "Print the value of a property",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace()
			if err != nil {
				return err
			}
			defer w.Close()

			value, err := w.PropGet(args[1], args[0])
			if err != nil {
				return err
			}
			if value == nil {
				return fmt.Errorf("property %q not found on %s", args[0], args[1])
			}
			os.Stdout.Write(value)
			fmt.Println()
			return nil
		},
	}
}

func propSetCmd() *cobra.Command {
	var del bool
	cmd := &cobra.Command{
		Use:   "propset NAME [VALUE] PATH",
		Short: "Set or delete a property on a versioned path",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace()
			if err != nil {
				return err
			}
			defer w.Close()

			name := args[0]
			if del {
				return w.PropSet(cmd.Context(), args[len(args)-1], name, nil)
			}
			if len(args) != 3 {
				return fmt.Errorf("propset needs NAME VALUE PATH")
			}
			return w.PropSet(cmd.Context(), args[2], name, []byte(args[1]))
		},
	}
	cmd.Flags().BoolVar(&del, "delete", false, "delete the property instead of setting it")
	return cmd
}

func propListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proplist PATH",
		Short: "List the properties on a versioned path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace()
			if err != nil {
				return err
			}
			defer w.Close()

			bag, err := w.PropList(args[0])
			if err != nil {
				return err
			}
			for _, name := range bag.Names() {
				fmt.Printf("%s: %s\n", name, bag[name])
			}
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Finish work items left by an interrupted operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace()
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.Lock(); err != nil {
				return err
			}
			defer w.Unlock()
			return w.RunPendingWork(cmd.Context())
		},
	}
}
