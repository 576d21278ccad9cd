package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/itemsync"
	"github.com/jmcleod/ironpass/remote"
)

var (
	itemShare    string
	itemTrashed  bool
	itemTitle    string
	itemUsername string
	itemPassword string
	itemURLs     []string
	itemNote     string
	itemAttach   []string
	itemReveal   bool
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List local items",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		f := itemsync.Filter{State: item.StateActive}
		if itemTrashed {
			f.State = item.StateTrashed
		}
		if itemShare != "" {
			f.Shares = []string{itemShare}
		}
		items, err := c.Items().Items(cmd.Context(), f)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SHARE\tID\tTYPE\tTITLE\tREV")
		for _, it := range items {
			title := it.Title
			if it.Pinned {
				title = color.YellowString("★ ") + title
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", it.ShareID, it.ItemID, it.Type, title, it.Revision)
		}
		return w.Flush()
	},
}

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Create and manage items",
}

func requireShare() error {
	if itemShare == "" {
		return fmt.Errorf("--share is required")
	}
	return nil
}

var itemAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a login or note",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireShare(); err != nil {
			return err
		}
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		for _, path := range itemAttach {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if _, err := c.Uploader().Upload(cmd.Context(), data); err != nil {
				return fmt.Errorf("uploading %s: %w", path, err)
			}
		}

		p := &item.Payload{Metadata: item.Metadata{Name: itemTitle, Note: itemNote}}
		if itemUsername != "" || itemPassword != "" || len(itemURLs) > 0 {
			p.Content = item.Login{Username: itemUsername, Password: itemPassword, URLs: itemURLs}
		} else {
			p.Content = item.Note{}
		}
		it, err := c.CreateItem(cmd.Context(), itemShare, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Item %s created (%s)\n", color.GreenString("✓"), color.CyanString(it.Title), it.ItemID)
		return nil
	},
}

var itemShowCmd = &cobra.Command{
	Use:   "show ITEM_ID",
	Short: "Decrypt and print an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireShare(); err != nil {
			return err
		}
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		it, err := c.Items().GetItem(cmd.Context(), itemShare, args[0])
		if err != nil {
			return err
		}
		p, err := c.Items().DecryptItem(cmd.Context(), it)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", color.CyanString("Title:"), p.Metadata.Name)
		fmt.Fprintf(out, "%s %s (rev %d, %s)\n", color.CyanString("Type:"), it.Type, it.Revision, it.State)
		if l, ok := p.Content.(item.Login); ok {
			pw := strings.Repeat("•", 8)
			if itemReveal {
				pw = l.Password
			}
			fmt.Fprintf(out, "%s %s\n", color.CyanString("Username:"), l.Username)
			fmt.Fprintf(out, "%s %s\n", color.CyanString("Password:"), pw)
			for _, u := range l.URLs {
				fmt.Fprintf(out, "%s %s\n", color.CyanString("URL:"), u)
			}
		}
		if p.Metadata.Note != "" {
			fmt.Fprintf(out, "%s %s\n", color.CyanString("Note:"), p.Metadata.Note)
		}
		if it.Flags.Has(item.FlagHasAttachments) {
			fmt.Fprintf(out, "%s yes\n", color.CyanString("Attachments:"))
		}
		return nil
	},
}

// stateCommand builds trash, restore and delete, which all act on the
// item at its locally known revision.
func stateCommand(use, short string, fn func(cmd *cobra.Command, e *itemsync.Engine, refs []remote.ItemRevision) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ITEM_ID...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireShare(); err != nil {
				return err
			}
			c, err := openSession(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			refs := make([]remote.ItemRevision, 0, len(args))
			for _, id := range args {
				it, err := c.Items().GetItem(cmd.Context(), itemShare, id)
				if err != nil {
					return err
				}
				refs = append(refs, remote.ItemRevision{ItemID: it.ItemID, Revision: it.Revision})
			}
			if err := fn(cmd, c.Items(), refs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d item(s)\n", color.GreenString("✓"), len(refs))
			return nil
		},
	}
}

var itemMoveCmd = &cobra.Command{
	Use:   "move ITEM_ID DEST_SHARE_ID",
	Short: "Move an item to another vault",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireShare(); err != nil {
			return err
		}
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		it, err := c.Items().MigrateItem(cmd.Context(), itemShare, args[1], args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Item moved to %s\n", color.GreenString("✓"), it.ShareID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(itemsCmd, itemCmd)
	itemsCmd.Flags().StringVar(&itemShare, "share", "", "Only list items of this share")
	itemsCmd.Flags().BoolVar(&itemTrashed, "trashed", false, "List trashed items")

	itemCmd.PersistentFlags().StringVar(&itemShare, "share", "", "Share the item lives in")

	itemAddCmd.Flags().StringVar(&itemTitle, "title", "", "Item title")
	itemAddCmd.Flags().StringVar(&itemUsername, "username", "", "Login username")
	itemAddCmd.Flags().StringVar(&itemPassword, "password", "", "Login password")
	itemAddCmd.Flags().StringSliceVar(&itemURLs, "url", nil, "Login URL (repeatable)")
	itemAddCmd.Flags().StringVar(&itemNote, "note", "", "Free-form note")
	itemAddCmd.Flags().StringSliceVar(&itemAttach, "attach", nil, "File to attach (repeatable)")
	itemShowCmd.Flags().BoolVar(&itemReveal, "reveal", false, "Print the password")

	itemCmd.AddCommand(
		itemAddCmd,
		itemShowCmd,
		itemMoveCmd,
		stateCommand("trash", "Move items to the trash", func(cmd *cobra.Command, e *itemsync.Engine, refs []remote.ItemRevision) error {
			_, err := e.TrashItems(cmd.Context(), itemShare, refs)
			return err
		}),
		stateCommand("restore", "Restore trashed items", func(cmd *cobra.Command, e *itemsync.Engine, refs []remote.ItemRevision) error {
			_, err := e.RestoreItems(cmd.Context(), itemShare, refs)
			return err
		}),
		stateCommand("delete", "Delete items permanently", func(cmd *cobra.Command, e *itemsync.Engine, refs []remote.ItemRevision) error {
			return e.DeleteItems(cmd.Context(), itemShare, refs)
		}),
	)
}
