package console

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/verdantlab/plantstage/pkg/models"
)

type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Execute(ctx context.Context, c *Console, args []string) error
}

func (c *Console) registerCommands() {
	commands := []Command{
		&ProductCommand{},
		&ContainerCommand{},
		&SceneCommand{},
		&ToppingCommand{},
		&LiftCommand{},
		&TemplateCommand{},
		&PromptCommand{},
		&ModelCommand{},
		&NextCommand{},
		&BackCommand{},
		&GotoCommand{},
		&GenerateCommand{},
		&RetryCommand{},
		&StopCommand{},
		&FinalCommand{},
		&HistoryCommand{},
		&SelectCommand{},
		&DeleteCommand{},
		&SaveCommand{},
		&FinishCommand{},
		&StatusCommand{},
		&HelpCommand{},
		&QuitCommand{},
	}

	for _, cmd := range commands {
		c.commands[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases() {
			c.commands[alias] = cmd
		}
	}
}

func parseFloat(arg, what string) (float64, error) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: expected a number", what, arg)
	}
	return v, nil
}

// ProductCommand sets the product being staged.
type ProductCommand struct{}

func (c *ProductCommand) Name() string        { return "product" }
func (c *ProductCommand) Aliases() []string   { return []string{"p"} }
func (c *ProductCommand) Description() string { return "Set the product (plant) being staged" }
func (c *ProductCommand) Usage() string {
	return "product <name> <height-cm> [pot-height-cm] [image-url-or-path]"
}

func (c *ProductCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	height, err := parseFloat(args[1], "height")
	if err != nil {
		return err
	}

	spec := models.ProductSpec{Name: args[0], HeightCm: height}
	if len(args) > 2 {
		potHeight, err := parseFloat(args[2], "pot height")
		if err != nil {
			return err
		}
		spec.PotHeightCm = potHeight
	}
	if len(args) > 3 {
		spec.ImageURL = args[3]
	}

	con.session.SetProduct(spec)
	fmt.Fprintln(con.out, con.session.Geometry().Message)
	return nil
}

// ContainerCommand sets the container.
type ContainerCommand struct{}

func (c *ContainerCommand) Name() string        { return "container" }
func (c *ContainerCommand) Aliases() []string   { return []string{"c"} }
func (c *ContainerCommand) Description() string { return "Set the container the product is staged into" }
func (c *ContainerCommand) Usage() string {
	return "container <name> <height-cm> [dimension] [image-url-or-path]"
}

func (c *ContainerCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	height, err := parseFloat(args[1], "height")
	if err != nil {
		return err
	}

	spec := models.ContainerSpec{Name: args[0], HeightCm: height, Topping: models.ToppingSoil}
	if len(args) > 2 {
		spec.Dimension = args[2]
	}
	if len(args) > 3 {
		spec.ImageURL = args[3]
	}

	con.session.SetContainer(spec)
	fmt.Fprintln(con.out, con.session.Geometry().Message)
	return nil
}

// SceneCommand sets a custom scene.
type SceneCommand struct{}

func (c *SceneCommand) Name() string        { return "scene" }
func (c *SceneCommand) Aliases() []string   { return nil }
func (c *SceneCommand) Description() string { return "Set the contextual scene for the final image" }
func (c *SceneCommand) Usage() string       { return "scene <description>" }

func (c *SceneCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	text := strings.Join(args, " ")
	con.session.SetScene(models.NewCustomScene("custom", text))
	fmt.Fprintln(con.out, "Scene set.")
	return nil
}

// ToppingCommand changes the container topping.
type ToppingCommand struct{}

func (c *ToppingCommand) Name() string        { return "topping" }
func (c *ToppingCommand) Aliases() []string   { return nil }
func (c *ToppingCommand) Description() string { return "Set the topping fill material" }
func (c *ToppingCommand) Usage() string       { return "topping <Soil|Pebbles|Moss|Bark>" }

func (c *ToppingCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	var topping models.Topping
	for _, t := range models.ValidToppings() {
		if strings.EqualFold(string(t), args[0]) {
			topping = t
		}
	}
	if topping == "" {
		return fmt.Errorf("unknown topping %q: valid toppings are %v", args[0], models.ValidToppings())
	}

	container := con.session.Container()
	container.Topping = topping
	con.session.SetContainer(container)
	fmt.Fprintf(con.out, "Topping set to %s.\n", topping)
	return nil
}

// LiftCommand overrides or restores the derived lift.
type LiftCommand struct{}

func (c *LiftCommand) Name() string        { return "lift" }
func (c *LiftCommand) Aliases() []string   { return nil }
func (c *LiftCommand) Description() string { return "Override the filler lift height, or restore auto" }
func (c *LiftCommand) Usage() string       { return "lift <cm>|auto" }

func (c *LiftCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	if strings.EqualFold(args[0], "auto") {
		con.session.ClearCustomLift()
	} else {
		lift, err := parseFloat(args[0], "lift")
		if err != nil {
			return err
		}
		con.session.SetCustomLift(lift)
	}
	fmt.Fprintln(con.out, con.session.Geometry().Message)
	return nil
}

// TemplateCommand replaces the prompt template.
type TemplateCommand struct{}

func (c *TemplateCommand) Name() string        { return "template" }
func (c *TemplateCommand) Aliases() []string   { return nil }
func (c *TemplateCommand) Description() string { return "Replace the prompt template, or restore the default" }
func (c *TemplateCommand) Usage() string       { return "template <text>|default" }

func (c *TemplateCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	text := strings.Join(args, " ")
	if strings.EqualFold(text, "default") {
		text = ""
	}
	con.session.SetPromptTemplate(text)
	fmt.Fprintln(con.out, "Template updated; prompt rebuilt.")
	return nil
}

// PromptCommand shows or overrides the active prompt.
type PromptCommand struct{}

func (c *PromptCommand) Name() string        { return "prompt" }
func (c *PromptCommand) Aliases() []string   { return nil }
func (c *PromptCommand) Description() string { return "Show the active prompt, or override it verbatim" }
func (c *PromptCommand) Usage() string       { return "prompt [text]" }

func (c *PromptCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(con.out, con.session.Prompt())
		return nil
	}
	con.session.SetCustomPrompt(strings.Join(args, " "))
	fmt.Fprintln(con.out, "Prompt overridden.")
	return nil
}

// ModelCommand shows or changes the generation model.
type ModelCommand struct{}

func (c *ModelCommand) Name() string        { return "model" }
func (c *ModelCommand) Aliases() []string   { return []string{"m"} }
func (c *ModelCommand) Description() string { return "Show or change the generation model" }
func (c *ModelCommand) Usage() string       { return "model [name]" }

func (c *ModelCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(con.out, "Current model: %s\n", con.session.Model())
		fmt.Fprintf(con.out, "Available: %v\n", models.DefaultRegistry().List())
		return nil
	}
	con.session.SetModel(args[0])
	fmt.Fprintf(con.out, "Model set to %s.\n", args[0])
	return nil
}

// NextCommand advances one step. Entering REFINEMENT kicks off the final
// scene generation, which lands the session in OUTPUT either way.
type NextCommand struct{}

func (c *NextCommand) Name() string        { return "next" }
func (c *NextCommand) Aliases() []string   { return []string{"n"} }
func (c *NextCommand) Description() string { return "Advance to the next workflow step" }
func (c *NextCommand) Usage() string       { return "next" }

func (c *NextCommand) Execute(ctx context.Context, con *Console, _ []string) error {
	step := con.session.Advance()
	fmt.Fprintf(con.out, "Step: %s\n", step)

	if step == models.StepRefinement {
		fmt.Fprintln(con.out, "Generating final scene...")
		if err := con.session.GenerateFinalScene(ctx); err != nil {
			return err
		}
		reportOutcome(con)
	}
	return nil
}

// BackCommand retreats one step.
type BackCommand struct{}

func (c *BackCommand) Name() string        { return "back" }
func (c *BackCommand) Aliases() []string   { return []string{"b"} }
func (c *BackCommand) Description() string { return "Go back to the previous workflow step" }
func (c *BackCommand) Usage() string       { return "back" }

func (c *BackCommand) Execute(_ context.Context, con *Console, _ []string) error {
	fmt.Fprintf(con.out, "Step: %s\n", con.session.Retreat())
	return nil
}

// GotoCommand jumps to a named step.
type GotoCommand struct{}

func (c *GotoCommand) Name() string        { return "goto" }
func (c *GotoCommand) Aliases() []string   { return nil }
func (c *GotoCommand) Description() string { return "Jump to a workflow step unconditionally" }
func (c *GotoCommand) Usage() string       { return "goto <step>" }

func (c *GotoCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	step, ok := models.ParseStep(args[0])
	if !ok {
		return fmt.Errorf("unknown step %q: steps are %v", args[0], models.Steps())
	}
	fmt.Fprintf(con.out, "Step: %s\n", con.session.SkipTo(step))
	return nil
}

// GenerateCommand produces the base composite.
type GenerateCommand struct{}

func (c *GenerateCommand) Name() string        { return "generate" }
func (c *GenerateCommand) Aliases() []string   { return []string{"gen", "g"} }
func (c *GenerateCommand) Description() string { return "Generate the base composite image" }
func (c *GenerateCommand) Usage() string       { return "generate" }

func (c *GenerateCommand) Execute(ctx context.Context, con *Console, _ []string) error {
	return runGenerate(ctx, con, false)
}

// RetryCommand regenerates the base composite even if one exists.
type RetryCommand struct{}

func (c *RetryCommand) Name() string        { return "retry" }
func (c *RetryCommand) Aliases() []string   { return nil }
func (c *RetryCommand) Description() string { return "Regenerate the base composite" }
func (c *RetryCommand) Usage() string       { return "retry" }

func (c *RetryCommand) Execute(ctx context.Context, con *Console, _ []string) error {
	return runGenerate(ctx, con, true)
}

func runGenerate(ctx context.Context, con *Console, forceRetry bool) error {
	fmt.Fprintf(con.out, "Generating with %s...\n", con.session.Model())
	if err := con.session.GeneratePreview(ctx, forceRetry); err != nil {
		return err
	}
	reportOutcome(con)
	return nil
}

func reportOutcome(con *Console) {
	assets := con.session.Assets()
	if failure := con.session.LastFailure(); failure != "" {
		fmt.Fprintf(con.err, "Warning: %s\n", failure)
	}
	switch {
	case len(assets.FinalImages) > 0:
		fmt.Fprintf(con.out, "Final image: %s\n", describeRef(assets.FinalImages[len(assets.FinalImages)-1]))
	case assets.BaseImage.IsError():
		fmt.Fprintln(con.out, "No image produced and no fallback available.")
	case assets.IsFallback:
		fmt.Fprintf(con.out, "Fallback image in use: %s\n", describeRef(assets.BaseImage))
	case !assets.BaseImage.IsZero():
		fmt.Fprintf(con.out, "Base image: %s\n", describeRef(assets.BaseImage))
	}
}

func describeRef(ref models.ImageRef) string {
	s := ref.String()
	if ref.IsDataURI() {
		return fmt.Sprintf("inline image (%d bytes encoded)", len(s))
	}
	return s
}

// StopCommand cancels the in-flight generation.
type StopCommand struct{}

func (c *StopCommand) Name() string        { return "stop" }
func (c *StopCommand) Aliases() []string   { return nil }
func (c *StopCommand) Description() string { return "Cancel the in-flight generation" }
func (c *StopCommand) Usage() string       { return "stop" }

func (c *StopCommand) Execute(_ context.Context, con *Console, _ []string) error {
	con.session.StopGeneration()
	fmt.Fprintln(con.out, "Generation stopped.")
	return nil
}

// FinalCommand generates the final scene composite explicitly.
type FinalCommand struct{}

func (c *FinalCommand) Name() string        { return "final" }
func (c *FinalCommand) Aliases() []string   { return nil }
func (c *FinalCommand) Description() string { return "Generate the final scene composite" }
func (c *FinalCommand) Usage() string       { return "final" }

func (c *FinalCommand) Execute(ctx context.Context, con *Console, _ []string) error {
	fmt.Fprintln(con.out, "Generating final scene...")
	if err := con.session.GenerateFinalScene(ctx); err != nil {
		return err
	}
	reportOutcome(con)
	return nil
}

// HistoryCommand lists generated images.
type HistoryCommand struct{}

func (c *HistoryCommand) Name() string        { return "history" }
func (c *HistoryCommand) Aliases() []string   { return []string{"h"} }
func (c *HistoryCommand) Description() string { return "List recently generated images" }
func (c *HistoryCommand) Usage() string       { return "history" }

func (c *HistoryCommand) Execute(_ context.Context, con *Console, _ []string) error {
	items := con.session.Assets().History
	if len(items) == 0 {
		fmt.Fprintln(con.out, "No generated images yet.")
		return nil
	}
	for i, ref := range items {
		marker := " "
		if ref == con.session.Assets().BaseImage {
			marker = "*"
		}
		fmt.Fprintf(con.out, "%s %d: %s\n", marker, i, describeRef(ref))
	}
	return nil
}

// SelectCommand makes a history entry the displayed base image.
type SelectCommand struct{}

func (c *SelectCommand) Name() string        { return "select" }
func (c *SelectCommand) Aliases() []string   { return nil }
func (c *SelectCommand) Description() string { return "Display a history entry as the base image" }
func (c *SelectCommand) Usage() string       { return "select <index>" }

func (c *SelectCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid index %q", args[0])
	}
	items := con.session.Assets().History
	if index < 0 || index >= len(items) {
		return fmt.Errorf("index %d out of range (history has %d items)", index, len(items))
	}
	con.session.SelectHistoryImage(items[index])
	fmt.Fprintf(con.out, "Selected %d.\n", index)
	return nil
}

// DeleteCommand removes a history entry.
type DeleteCommand struct{}

func (c *DeleteCommand) Name() string        { return "delete" }
func (c *DeleteCommand) Aliases() []string   { return []string{"del"} }
func (c *DeleteCommand) Description() string { return "Delete a history entry" }
func (c *DeleteCommand) Usage() string       { return "delete <index>" }

func (c *DeleteCommand) Execute(_ context.Context, con *Console, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid index %q", args[0])
	}
	con.session.DeleteHistoryItem(index)
	fmt.Fprintf(con.out, "Deleted %d.\n", index)
	return nil
}

// SaveCommand writes the displayed image to disk.
type SaveCommand struct{}

func (c *SaveCommand) Name() string        { return "save" }
func (c *SaveCommand) Aliases() []string   { return []string{"s"} }
func (c *SaveCommand) Description() string { return "Save the displayed image to a file" }
func (c *SaveCommand) Usage() string       { return "save <path>" }

func (c *SaveCommand) Execute(ctx context.Context, con *Console, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	assets := con.session.Assets()
	ref := assets.BaseImage
	if len(assets.FinalImages) > 0 {
		ref = assets.FinalImages[len(assets.FinalImages)-1]
	}
	if ref.IsZero() || ref.IsError() {
		return fmt.Errorf("nothing to save: generate an image first")
	}

	if err := con.fetcher.Save(ctx, ref, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(con.out, "Saved: %s\n", args[0])
	return nil
}

// FinishCommand archives the completed run.
type FinishCommand struct{}

func (c *FinishCommand) Name() string        { return "finish" }
func (c *FinishCommand) Aliases() []string   { return nil }
func (c *FinishCommand) Description() string { return "Archive the completed staging run" }
func (c *FinishCommand) Usage() string       { return "finish" }

func (c *FinishCommand) Execute(ctx context.Context, con *Console, _ []string) error {
	if con.store == nil {
		return fmt.Errorf("run archive is not available")
	}

	run := con.session.ArchiveRun()
	if err := con.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to archive run: %w", err)
	}
	fmt.Fprintf(con.out, "Archived run %s.\n", run.ID)
	return nil
}

// StatusCommand summarizes the session.
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Aliases() []string   { return []string{"st"} }
func (c *StatusCommand) Description() string { return "Show the session state" }
func (c *StatusCommand) Usage() string       { return "status" }

func (c *StatusCommand) Execute(_ context.Context, con *Console, _ []string) error {
	assets := con.session.Assets()
	fmt.Fprintf(con.out, "Step:    %s\n", con.session.Step())
	fmt.Fprintf(con.out, "Model:   %s\n", con.session.Model())
	fmt.Fprintf(con.out, "Geometry: %s\n", con.session.Geometry().Message)
	if assets.Loading {
		fmt.Fprintln(con.out, "A generation is in flight.")
	}
	if !assets.BaseImage.IsZero() {
		label := "Base"
		if assets.IsFallback {
			label = "Base (fallback)"
		}
		fmt.Fprintf(con.out, "%s:    %s\n", label, describeRef(assets.BaseImage))
	}
	for _, ref := range assets.FinalImages {
		fmt.Fprintf(con.out, "Final:   %s\n", describeRef(ref))
	}
	if failure := con.session.LastFailure(); failure != "" {
		fmt.Fprintf(con.out, "Last failure: %s\n", failure)
	}
	return nil
}

// HelpCommand lists commands.
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Aliases() []string   { return []string{"?"} }
func (c *HelpCommand) Description() string { return "Show available commands" }
func (c *HelpCommand) Usage() string       { return "help" }

func (c *HelpCommand) Execute(_ context.Context, con *Console, _ []string) error {
	seen := make(map[string]bool)
	var names []string
	for _, cmd := range con.commands {
		if !seen[cmd.Name()] {
			seen[cmd.Name()] = true
			names = append(names, cmd.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		cmd := con.commands[name]
		fmt.Fprintf(con.out, "  %-10s %s\n", cmd.Usage(), cmd.Description())
	}
	return nil
}

// QuitCommand exits the console.
type QuitCommand struct{}

func (c *QuitCommand) Name() string        { return "quit" }
func (c *QuitCommand) Aliases() []string   { return []string{"exit", "q"} }
func (c *QuitCommand) Description() string { return "Exit the console" }
func (c *QuitCommand) Usage() string       { return "quit" }

func (c *QuitCommand) Execute(_ context.Context, con *Console, _ []string) error {
	con.session.StopGeneration()
	con.Stop()
	return nil
}
