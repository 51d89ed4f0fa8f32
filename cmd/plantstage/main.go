package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/verdantlab/plantstage/internal/archive"
	"github.com/verdantlab/plantstage/internal/console"
	"github.com/verdantlab/plantstage/internal/imagefetch"
	"github.com/verdantlab/plantstage/internal/provider"
	"github.com/verdantlab/plantstage/internal/provider/gemini"
	"github.com/verdantlab/plantstage/internal/provider/replicate"
	"github.com/verdantlab/plantstage/internal/settings"
	"github.com/verdantlab/plantstage/internal/workflow"
	"github.com/verdantlab/plantstage/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagProductName  string
	flagProductH     float64
	flagPotH         float64
	flagProductImage string

	flagContainerName  string
	flagContainerH     float64
	flagContainerDim   string
	flagContainerImage string
	flagTopping        string

	flagScene    string
	flagLift     float64
	flagModel    string
	flagTemplate string
	flagOutput   string
	flagVerbose  bool
	flagArchive  bool
)

// App bundles the injectable collaborators so commands are testable without
// a network, a terminal, or a home directory.
type App struct {
	In           io.Reader
	Out          io.Writer
	Err          io.Writer
	NewSettings  func() (*settings.Store, error)
	NewArchive   func() (*archive.Store, error)
	NewGemini    func(cfg *provider.Config) (provider.Provider, error)
	NewReplicate func(cfg *provider.Config) (provider.Provider, error)
}

func DefaultApp() *App {
	return &App{
		In:          os.Stdin,
		Out:         os.Stdout,
		Err:         os.Stderr,
		NewSettings: settings.NewStore,
		NewArchive:  archive.NewStore,
		NewGemini: func(cfg *provider.Config) (provider.Provider, error) {
			return gemini.New(cfg)
		},
		NewReplicate: func(cfg *provider.Config) (provider.Provider, error) {
			return replicate.New(cfg)
		},
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plantstage",
		Short: "Stage product photos of plants into composite and scene images",
		Long: `plantstage stages a plant product photo into a physically plausible
composite (plant + container) and then into a full contextual scene,
using generative image backends.

Examples:
  plantstage stage --product-name "Monstera Deliciosa" --product-height 180 --pot-height 15 \
      --container-name "Atlas Planter" --container-height 30 -o staged.png
  plantstage console
  plantstage keys set gemini`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newStageCmd(app))
	cmd.AddCommand(newConsoleCmd(app))
	cmd.AddCommand(newKeysCmd(app))
	cmd.AddCommand(newRunsCmd(app))
	return cmd
}

func newStageCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Run the staging workflow once from flags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStage(cmd.Context(), app)
		},
	}

	cmd.Flags().StringVar(&flagProductName, "product-name", "", "product display name")
	cmd.Flags().Float64Var(&flagProductH, "product-height", models.DefaultProductHeightCm, "product height in cm")
	cmd.Flags().Float64Var(&flagPotH, "pot-height", models.DefaultPotHeightCm, "nursery pot height in cm")
	cmd.Flags().StringVar(&flagProductImage, "product-image", "", "product reference image (path or URL)")
	cmd.Flags().StringVar(&flagContainerName, "container-name", "", "container display name")
	cmd.Flags().Float64Var(&flagContainerH, "container-height", models.DefaultContainerHeightCm, "container height in cm")
	cmd.Flags().StringVar(&flagContainerDim, "container-dimension", "", "container dimension text, e.g. \"Ø22 x 18 cm\"")
	cmd.Flags().StringVar(&flagContainerImage, "container-image", "", "container reference image (path or URL)")
	cmd.Flags().StringVar(&flagTopping, "topping", string(models.ToppingSoil), "topping fill material")
	cmd.Flags().StringVar(&flagScene, "scene", "", "scene description for the final composite")
	cmd.Flags().Float64Var(&flagLift, "lift", -1, "override the filler lift in cm (default: derived)")
	cmd.Flags().StringVarP(&flagModel, "model", "m", "", "generation model")
	cmd.Flags().StringVar(&flagTemplate, "template", "", "prompt template override")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output filename for the final image")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "log provider requests and responses")
	cmd.Flags().BoolVar(&flagArchive, "archive", false, "record the completed run in the local archive")

	return cmd
}

func runStage(ctx context.Context, app *App) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session, fetcher, err := newSession(app)
	if err != nil {
		return err
	}

	topping := models.Topping(flagTopping)
	if !topping.IsValid() {
		return fmt.Errorf("invalid topping %q: valid toppings are %v", flagTopping, models.ValidToppings())
	}

	session.SetProduct(models.ProductSpec{
		Name:        flagProductName,
		HeightCm:    flagProductH,
		PotHeightCm: flagPotH,
		ImageURL:    flagProductImage,
	})
	session.SetContainer(models.ContainerSpec{
		Name:      flagContainerName,
		HeightCm:  flagContainerH,
		Dimension: flagContainerDim,
		Topping:   topping,
		ImageURL:  flagContainerImage,
	})
	if flagScene != "" {
		session.SetScene(models.NewCustomScene("custom", flagScene))
	}
	if flagLift >= 0 {
		session.SetCustomLift(flagLift)
	}
	if flagModel != "" {
		session.SetModel(flagModel)
	}

	fmt.Fprintln(app.Out, session.Geometry().Message)
	fmt.Fprintf(app.Out, "Generating base composite with %s...\n", session.Model())

	session.SkipTo(models.StepGenerationBase)
	if err := session.GeneratePreview(ctx, false); err != nil {
		return err
	}
	reportAssets(app, session)

	fmt.Fprintln(app.Out, "Generating final scene...")
	session.SkipTo(models.StepRefinement)
	if err := session.GenerateFinalScene(ctx); err != nil {
		return err
	}
	reportAssets(app, session)

	assets := session.Assets()
	if flagOutput != "" {
		ref := assets.BaseImage
		if len(assets.FinalImages) > 0 {
			ref = assets.FinalImages[0]
		}
		if ref.IsZero() || ref.IsError() {
			return fmt.Errorf("no image to save")
		}
		if err := fetcher.Save(ctx, ref, flagOutput); err != nil {
			return err
		}
		fmt.Fprintf(app.Out, "Saved: %s\n", flagOutput)
	}

	if flagArchive {
		store, err := app.NewArchive()
		if err != nil {
			return fmt.Errorf("failed to open run archive: %w", err)
		}
		defer store.Close()
		run := session.ArchiveRun()
		if err := store.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("failed to archive run: %w", err)
		}
		fmt.Fprintf(app.Out, "Archived run %s\n", run.ID)
	}

	return nil
}

func reportAssets(app *App, session *workflow.Session) {
	if failure := session.LastFailure(); failure != "" {
		fmt.Fprintf(app.Err, "Warning: %s\n", failure)
	}
	assets := session.Assets()
	switch {
	case len(assets.FinalImages) > 0:
		fmt.Fprintf(app.Out, "Final image ready (%s)\n", assets.ModelUsed)
	case assets.BaseImage.IsError():
		fmt.Fprintln(app.Out, "No image produced and no fallback available.")
	case assets.IsFallback:
		fmt.Fprintln(app.Out, "Using fallback reference image.")
	case !assets.BaseImage.IsZero():
		fmt.Fprintf(app.Out, "Base image ready (%s)\n", assets.ModelUsed)
	}
}

func newConsoleCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Drive the staging workflow interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			session, fetcher, err := newSession(app)
			if err != nil {
				return err
			}

			store, err := app.NewArchive()
			if err != nil {
				// Console still works without the archive.
				fmt.Fprintf(app.Err, "Warning: run archive unavailable: %v\n", err)
				store = nil
			} else {
				defer store.Close()
			}

			return console.New(&console.Config{
				In:      app.In,
				Out:     app.Out,
				Err:     app.Err,
				Session: session,
				Fetcher: fetcher,
				Store:   store,
			}).Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "log provider requests and responses")
	return cmd
}

// newSession resolves configuration from the settings store once and wires
// the dispatcher. A provider whose credential is missing is registered as
// unavailable so the failure surfaces with its category intact.
func newSession(app *App) (*workflow.Session, *imagefetch.Fetcher, error) {
	store, err := app.NewSettings()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open settings: %w", err)
	}

	cfg := workflow.Config{Model: flagModel, Template: flagTemplate}
	if cfg.Model == "" {
		cfg.Model, _ = store.GetDefault(settings.KeyModel, models.DefaultModel)
	}
	if cfg.Template == "" {
		cfg.Template, _ = store.Get(settings.KeyPromptTemplate)
	}
	cfg.AspectRatio, _ = store.Get(settings.KeyAspectRatio)
	cfg.OutputFormat, _ = store.Get(settings.KeyOutputFormat)
	cfg.Resolution, _ = store.Get(settings.KeyResolution)
	cfg.SafetyFilterLevel, _ = store.Get(settings.KeySafetyFilterLevel)

	dispatcher := provider.NewDispatcher()
	registerProvider(dispatcher, models.ProviderGemini, settings.KeyGeminiAPIKey, "GEMINI_API_KEY", app.NewGemini, app)
	registerProvider(dispatcher, models.ProviderReplicate, settings.KeyReplicateToken, "REPLICATE_API_TOKEN", app.NewReplicate, app)

	fetcher := imagefetch.NewFetcher()
	return workflow.NewSession(cfg, dispatcher, fetcher), fetcher, nil
}

func registerProvider(d *provider.Dispatcher, kind models.ProviderKind, key, envVar string,
	construct func(cfg *provider.Config) (provider.Provider, error), app *App) {

	apiKey, _, err := settings.Resolve("", key, envVar)
	if err != nil {
		d.Register(provider.Unavailable(kind, fmt.Errorf("%w: %s (set %s)", provider.ErrMissingCredential, kind, envVar)))
		return
	}

	p, err := construct(&provider.Config{APIKey: apiKey, Verbose: flagVerbose})
	if err != nil {
		d.Register(provider.Unavailable(kind, err))
		return
	}
	d.Register(p)
}

var keyNames = map[string]string{
	"gemini":    settings.KeyGeminiAPIKey,
	"replicate": settings.KeyReplicateToken,
}

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <gemini|replicate>",
		Short: "Store a provider credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			key, ok := keyNames[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("unknown provider %q (gemini or replicate)", args[0])
			}

			value, err := readSecret(app, fmt.Sprintf("Enter %s credential: ", args[0]))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty credential")
			}

			store, err := app.NewSettings()
			if err != nil {
				return err
			}
			if err := store.Set(key, value); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Stored %s credential (%s)\n", args[0], settings.MaskSecret(value))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <gemini|replicate>",
		Short: "Show a stored credential (masked)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			key, ok := keyNames[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("unknown provider %q (gemini or replicate)", args[0])
			}
			store, err := app.NewSettings()
			if err != nil {
				return err
			}
			value, err := store.Get(key)
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("no %s credential stored", args[0])
			}
			fmt.Fprintln(app.Out, settings.MaskSecret(value))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <gemini|replicate>",
		Short: "Remove a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			key, ok := keyNames[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("unknown provider %q (gemini or replicate)", args[0])
			}
			store, err := app.NewSettings()
			if err != nil {
				return err
			}
			if err := store.Delete(key); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Removed %s credential\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored credentials (masked)",
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := app.NewSettings()
			if err != nil {
				return err
			}
			for name, key := range keyNames {
				value, err := store.Get(key)
				if err != nil {
					return err
				}
				if value == "" {
					fmt.Fprintf(app.Out, "%-10s (not set)\n", name)
				} else {
					fmt.Fprintf(app.Out, "%-10s %s\n", name, settings.MaskSecret(value))
				}
			}
			return nil
		},
	})

	return cmd
}

// readSecret reads a credential without echo when stdin is a terminal, and
// as a plain line otherwise (pipes, tests).
func readSecret(app *App, promptText string) (string, error) {
	fmt.Fprint(app.Out, promptText)

	if f, ok := app.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(app.Out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	scanner := bufio.NewScanner(app.In)
	if !scanner.Scan() {
		return "", scanner.Err()
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func newRunsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect archived staging runs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived runs",
		RunE: func(c *cobra.Command, _ []string) error {
			store, err := app.NewArchive()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(c.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(app.Out, "No archived runs.")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintf(app.Out, "%s  %s  %s / %s  (%s)\n",
					run.ID, archive.FormatTimestamp(run.CreatedAt),
					run.ProductName, run.ContainerName, run.Model)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			store, err := app.NewArchive()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(c.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run not found: %w", err)
			}
			fmt.Fprintf(app.Out, "Run:       %s\n", run.ID)
			fmt.Fprintf(app.Out, "Created:   %s\n", archive.FormatTimestamp(run.CreatedAt))
			fmt.Fprintf(app.Out, "Product:   %s\n", run.ProductName)
			fmt.Fprintf(app.Out, "Container: %s\n", run.ContainerName)
			fmt.Fprintf(app.Out, "Scene:     %s\n", run.SceneName)
			fmt.Fprintf(app.Out, "Model:     %s\n", run.Model)
			fmt.Fprintf(app.Out, "Lift:      %.1f cm (visual total %.1f cm)\n", run.LiftCm, run.VisualTotalCm)
			fmt.Fprintf(app.Out, "Fallback:  %v\n", run.IsFallback)
			fmt.Fprintf(app.Out, "Prompt:    %s\n", run.Prompt)
			for _, img := range run.Images {
				fmt.Fprintf(app.Out, "  [%s %d] %s\n", img.Kind, img.Position, truncate(img.Ref, 80))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			store, err := app.NewArchive()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.DeleteRun(c.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Deleted run %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
