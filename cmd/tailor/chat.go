package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/tailor/internal/agent"
	"github.com/ashureev/tailor/internal/config"
	"github.com/ashureev/tailor/internal/domain"
	"github.com/ashureev/tailor/internal/stream"
)

type chatOptions struct {
	document string
	target   string
	message  string
	links    domain.ProfileLinks
}

// buildChatCmd creates the "chat" command that runs the agent in the terminal.
func buildChatCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Tailor a document interactively in the terminal",
		Long: `Start a session from a source document and a target description, then
keep talking to the agent. Each line read from stdin is one turn; an empty
line or EOF ends the session.`,
		Example: `  tailor chat --document resume.md --target job.txt
  tailor chat -d resume.pdf -t job.txt -m "Optimize my resume for this role"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			// Keep the terminal free of JSON logs.
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			return runChat(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVarP(&opts.document, "document", "d", "", "Path to the source document (text, markdown, or any format Tika can read)")
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "Path to the target description")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "Optimize my resume for this job description.", "First message sent to the agent")
	cmd.Flags().StringVar(&opts.links.LinkedIn, "linkedin", "", "LinkedIn profile URL")
	cmd.Flags().StringVar(&opts.links.GitHub, "github", "", "GitHub profile URL")
	cmd.Flags().StringVar(&opts.links.LeetCode, "leetcode", "", "LeetCode profile URL")
	_ = cmd.MarkFlagRequired("document")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runChat(ctx context.Context, opts chatOptions, in io.Reader, out io.Writer, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Error("Failed to release resources", "error", closeErr)
		}
	}()

	docData, err := os.ReadFile(opts.document)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	docText, err := a.extractor.Extract(ctx, filepath.Base(opts.document), mime.TypeByExtension(filepath.Ext(opts.document)), docData)
	if err != nil {
		return err
	}
	target, err := os.ReadFile(opts.target)
	if err != nil {
		return fmt.Errorf("read target: %w", err)
	}

	req := agent.TranscriptRequest{
		Message:      opts.message,
		DocumentText: docText,
		DocumentName: filepath.Base(opts.document),
		DocumentPath: opts.document,
		TargetText:   string(target),
		ProfileLinks: opts.links,
	}

	scanner := bufio.NewScanner(in)
	for {
		resp, err := chatTurn(ctx, a.svc, req, out)
		if resp != nil {
			req = agent.TranscriptRequest{SessionToken: resp.SessionToken}
			if resp.ArtifactExists {
				path, _ := a.artifacts.Path(resp.ArtifactName)
				fmt.Fprintf(out, "\nartifact: %s\n", path)
			}
		}
		if err != nil {
			if !agent.IsRetryable(err) || req.SessionToken == "" {
				return err
			}
			fmt.Fprintf(out, "\nerror: %v (send another message to retry)\n", err)
		}

		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return nil
		}
		req.Message = line
	}
}

// chatTurn runs one turn, printing tokens and tool activity as they arrive.
func chatTurn(ctx context.Context, svc *agent.Service, req agent.TranscriptRequest, out io.Writer) (*agent.TranscriptResponse, error) {
	turn, err := svc.Start(ctx, req, "cli")
	if err != nil {
		return nil, err
	}

	sink := stream.SinkFunc(func(ev stream.Event) {
		switch ev.Type {
		case stream.EventToken:
			fmt.Fprint(out, ev.Text)
		case stream.EventToolStart:
			fmt.Fprintf(out, "\n[%s]\n", ev.Tool)
		case stream.EventToolResult:
			switch {
			case ev.Skipped:
				fmt.Fprintf(out, "[%s skipped]\n", ev.Tool)
			case ev.IsError:
				fmt.Fprintf(out, "[%s failed]\n", ev.Tool)
			}
		}
	})

	return turn.Run(ctx, sink)
}
