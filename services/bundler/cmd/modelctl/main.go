package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"modeld/services/bundler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "modelctl",
		Short:         "Utility for building, pushing, and promoting model bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newBundleCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newPromoteCommand())
	cmd.AddCommand(newAbortCommand())
	return cmd
}

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Bundle build and push operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundleBuildCommand())
	cmd.AddCommand(newBundlePushCommand())
	return cmd
}

func newBundleBuildCommand() *cobra.Command {
	var (
		modelDir  string
		output    string
		name      string
		version   string
		framework string
		modelType string
		tags      []string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed model bundle from a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			parsedTags, err := parseTags(tags)
			if err != nil {
				return err
			}
			_, err = bundler.Build(ctx, bundler.BuildConfig{
				ModelDir:  modelDir,
				Output:    output,
				Name:      name,
				Version:   version,
				Framework: framework,
				Type:      modelType,
				Tags:      parsedTags,
				Signer:    signer,
				Stdout:    os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&modelDir, "model-dir", "", "Directory containing the model files")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	cmd.Flags().StringVar(&name, "name", "", "Model name")
	cmd.Flags().StringVar(&version, "version", "", "Model version")
	cmd.Flags().StringVar(&framework, "framework", "", "Model framework")
	cmd.Flags().StringVar(&modelType, "type", "", "Declared model type")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Tag as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("model-dir")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newBundlePushCommand() *cobra.Command {
	var (
		bundleFile string
		apiBaseURL string
		tenantID   string
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload a signed bundle to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			_, err := bundler.Push(ctx, bundler.PushConfig{
				BundlePath: bundleFile,
				APIBaseURL: apiBaseURL,
				TenantID:   tenantID,
				Stdout:     os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&apiBaseURL, "api", "", "Base URL of the modeld API (e.g. https://modeld.example.com)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id to upload under")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("api")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var apiBaseURL string

	cmd := &cobra.Command{
		Use:   "status <artifact-id>",
		Short: "Show an artifact's record and transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			record, err := apiGet(ctx, apiBaseURL, "/v1/models/"+args[0])
			if err != nil {
				return err
			}
			transitions, err := apiGet(ctx, apiBaseURL, "/v1/models/"+args[0]+"/transitions")
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, record)
			fmt.Fprintln(os.Stdout, transitions)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBaseURL, "api", "", "Base URL of the modeld API")
	_ = cmd.MarkFlagRequired("api")
	return cmd
}

func newPromoteCommand() *cobra.Command {
	var (
		apiBaseURL       string
		approver         string
		reason           string
		override         bool
		overrideApprover string
	)

	cmd := &cobra.Command{
		Use:   "promote <artifact-id>",
		Short: "Promote an artifact to the active version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			body := map[string]any{"reason": reason}
			if override {
				body["override"] = true
				body["override_approver"] = overrideApprover
			}
			out, err := apiPost(ctx, apiBaseURL, "/v1/models/"+args[0]+"/promote", approver, body)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBaseURL, "api", "", "Base URL of the modeld API")
	cmd.Flags().StringVar(&approver, "approver", "", "Approver identity recorded in the audit log")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the transition log")
	cmd.Flags().BoolVar(&override, "override", false, "Skip the canary-health rule (requires a second approver)")
	cmd.Flags().StringVar(&overrideApprover, "override-approver", "", "Second approver for an override promotion")
	_ = cmd.MarkFlagRequired("api")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

func newAbortCommand() *cobra.Command {
	var (
		apiBaseURL string
		approver   string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "abort <artifact-id>",
		Short: "Abort an in-flight canary and roll the artifact back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			out, err := apiPost(ctx, apiBaseURL, "/v1/models/"+args[0]+"/abort", approver, map[string]any{"reason": reason})
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBaseURL, "api", "", "Base URL of the modeld API")
	cmd.Flags().StringVar(&approver, "approver", "", "Operator identity recorded in the audit log")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the transition log")
	_ = cmd.MarkFlagRequired("api")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

func parseTags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid tag %q, expected key=value", pair)
		}
		tags[key] = value
	}
	return tags, nil
}

func apiGet(ctx context.Context, base, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return "", err
	}
	return doRequest(req)
}

func apiPost(ctx context.Context, base, path, approver string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if approver != "" {
		req.Header.Set("X-Approver", approver)
	}
	return doRequest(req)
}

func doRequest(req *http.Request) (string, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return pretty.String(), nil
}
