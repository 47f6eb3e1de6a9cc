package cli

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lherron/cardsync/internal/cli/appctx"
	"github.com/lherron/cardsync/internal/domain"
)

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "Manage target boards",
}

var boardsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a target board and print its id",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runBoardsAdd),
}

var boardsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List target boards",
	Args:    cobra.NoArgs,
	RunE:    appctx.WithApp(appctx.DefaultOptions(), runBoardsLs),
}

func init() {
	rootCmd.AddCommand(boardsCmd)
	boardsCmd.AddCommand(boardsAddCmd)
	boardsCmd.AddCommand(boardsLsCmd)
}

func runBoardsAdd(app *appctx.App, cmd *cobra.Command, args []string) error {
	r, err := newRenderer(cmd, app.Config)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	name := strings.TrimSpace(args[0])
	if name == "" {
		return exitError(2, fmt.Errorf("board name is required"))
	}
	boardID, err := app.Store.Boards.Create(ctx, name)
	if err != nil {
		return exitError(1, err)
	}
	app.Log.WithFields(log.Fields{"board": boardID, "name": name}).Info("board created")

	return r.Render(map[string]string{"id": boardID, "name": name}, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, boardID)
		return err
	})
}

func runBoardsLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	r, err := newRenderer(cmd, app.Config)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	boards, err := app.Store.Boards.List(ctx)
	if err != nil {
		return exitError(1, err)
	}
	if boards == nil {
		boards = []domain.Board{}
	}

	return r.Render(boards, func(w io.Writer) error {
		rows := make([][]string, 0, len(boards))
		for _, b := range boards {
			created := b.CreatedAt
			rows = append(rows, []string{b.ID, b.Name, formatTime(&created)})
		}
		return r.RenderTable([]string{"ID", "NAME", "CREATED"}, rows)
	})
}
