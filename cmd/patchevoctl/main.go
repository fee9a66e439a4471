package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"patchevo/internal/model"
	"patchevo/internal/nn"
	"patchevo/internal/storage"
	"patchevo/pkg/patchevo"
)

const defaultDBPath = "patchevo.db"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch strings.ToLower(args[0]) {
	case "train":
		return runTrain(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "fitness":
		return runFitness(ctx, args[1:])
	case "diagnostics":
		return runDiagnostics(ctx, args[1:])
	case "lineage":
		return runLineage(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON train config")
	population := fs.Int("pop", patchevo.DefaultPopulation, "population size")
	survivors := fs.Int("survivors", patchevo.DefaultSurvivors, "survivors kept unchanged each generation")
	workers := fs.Int("workers", patchevo.DefaultWorkers, "parallel fitness workers")
	seed := fs.Int64("seed", patchevo.DefaultSeed, "random seed")
	crossover := fs.Float64("crossover", patchevo.DefaultCrossoverRate, "probability an offspring is bred by crossover")
	selection := fs.String("selection", patchevo.DefaultSelection, "parent selection: elite|tournament")
	resume := fs.String("resume", "", "continue from a stored population id (needs -store sqlite)")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultTrainRequest(*configPath)
	if err != nil {
		return err
	}
	overrideFromFlags(&req, setFlags, map[string]any{
		"pop":       *population,
		"survivors": *survivors,
		"workers":   *workers,
		"seed":      *seed,
		"crossover": *crossover,
		"selection": *selection,
		"resume":    *resume,
	})

	switch positional := fs.Args(); len(positional) {
	case 3:
		generations, err := strconv.Atoi(positional[2])
		if err != nil || generations <= 0 {
			return usageError(fmt.Sprintf("generations must be a positive integer, got %q", positional[2]))
		}
		req.SampleDir, req.OutputDir, req.Generations = positional[0], positional[1], generations
	case 0:
		if req.SampleDir == "" || req.OutputDir == "" || req.Generations <= 0 {
			return usageError("TRAIN requires <sampleDir> <outputDir> <generations>")
		}
	default:
		return usageError("TRAIN requires <sampleDir> <outputDir> <generations>")
	}

	if req.ResumePopulationID != "" && strings.EqualFold(*storeKind, "memory") {
		return usageError("-resume reads a stored population; pass -store sqlite")
	}

	client, err := patchevo.New(patchevo.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	progress := newProgressPrinter(os.Stdout)
	req.Progress = progress.Print
	summary, err := client.Train(ctx, req)
	progress.Done()
	if err != nil {
		return err
	}

	fmt.Printf("run completed run_id=%s references=%d generations=%d final_best_error=%.6g population_id=%s\n",
		summary.RunID,
		summary.References,
		len(summary.BestByGeneration),
		summary.FinalBestFitness,
		summary.PopulationID,
	)
	if info, err := os.Stat(summary.BestNetwork); err == nil {
		fmt.Printf("best network: %s (%s)\n", summary.BestNetwork, humanize.Bytes(uint64(info.Size())))
	}
	fmt.Printf("artifacts: %s\n", summary.ArtifactsDir)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	positional := fs.Args()
	if len(positional) != 3 {
		return usageError("RUN requires <networkFile> <inputImage> <outputImage>")
	}

	client, err := patchevo.New(patchevo.Options{})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, patchevo.RunRequest{
		NetworkFile: positional[0],
		InputImage:  positional[1],
		OutputImage: positional[2],
	})
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s %dx%d -> %dx%d (%s pixels)\n",
		positional[2],
		summary.InputWidth, summary.InputHeight,
		summary.OutputWidth, summary.OutputHeight,
		humanize.Comma(int64(summary.OutputWidth*summary.OutputHeight)),
	)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	outputDir := fs.String("output", ".", "output directory holding run_index.json")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := patchevo.New(patchevo.Options{})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, patchevo.RunsRequest{OutputDir: *outputDir, Limit: *limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if *jsonOut {
		return printJSON(os.Stdout, runs)
	}
	for _, r := range runs {
		fmt.Printf("run_id=%s created_at=%s topology=%s seed=%d population=%d survivors=%d generations=%d final_best_error=%.6g best_network=%s\n",
			r.RunID,
			r.CreatedAtUTC,
			r.Topology,
			r.Seed,
			r.Population,
			r.Survivors,
			r.Generations,
			r.FinalBestFitness,
			r.BestNetwork,
		)
	}
	return nil
}

type historyFlags struct {
	outputDir *string
	runID     *string
	latest    *bool
	limit     *int
	jsonOut   *bool
	storeKind *string
	dbPath    *string
}

func newHistoryFlags(name string) (*flag.FlagSet, historyFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs, historyFlags{
		outputDir: fs.String("output", ".", "output directory holding run_index.json"),
		runID:     fs.String("run-id", "", "run id"),
		latest:    fs.Bool("latest", false, "use the most recent run from run index"),
		limit:     fs.Int("limit", 50, "max rows to print (<=0 for all)"),
		jsonOut:   fs.Bool("json", false, "emit rows as JSON"),
		storeKind: fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:    fs.String("db-path", defaultDBPath, "sqlite database path"),
	}
}

func (h historyFlags) request(command string) (patchevo.HistoryRequest, error) {
	if *h.runID != "" && *h.latest {
		return patchevo.HistoryRequest{}, errors.New("use either --run-id or --latest, not both")
	}
	if *h.runID == "" && !*h.latest {
		return patchevo.HistoryRequest{}, fmt.Errorf("%s requires --run-id or --latest", command)
	}
	limit := *h.limit
	if limit < 0 {
		limit = 0
	}
	return patchevo.HistoryRequest{
		OutputDir: *h.outputDir,
		RunID:     *h.runID,
		Latest:    *h.latest,
		Limit:     limit,
	}, nil
}

func (h historyFlags) client() (*patchevo.Client, error) {
	return patchevo.New(patchevo.Options{StoreKind: *h.storeKind, DBPath: *h.dbPath})
}

func runFitness(ctx context.Context, args []string) error {
	fs, h := newHistoryFlags("fitness")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := h.request("fitness")
	if err != nil {
		return err
	}
	client, err := h.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, err := client.FitnessHistory(ctx, req)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Println("no fitness history")
		return nil
	}
	if *h.jsonOut {
		return printJSON(os.Stdout, history)
	}
	for i, best := range history {
		fmt.Printf("generation=%d best_error=%.6g\n", i+1, best)
	}
	return nil
}

func runDiagnostics(ctx context.Context, args []string) error {
	fs, h := newHistoryFlags("diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := h.request("diagnostics")
	if err != nil {
		return err
	}
	client, err := h.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	diagnostics, err := client.Diagnostics(ctx, req)
	if err != nil {
		return err
	}
	if len(diagnostics) == 0 {
		fmt.Println("no diagnostics")
		return nil
	}
	if *h.jsonOut {
		return printJSON(os.Stdout, diagnostics)
	}
	for _, d := range diagnostics {
		fmt.Println(formatDiagnostics(d))
	}
	return nil
}

func runLineage(ctx context.Context, args []string) error {
	fs, h := newHistoryFlags("lineage")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := h.request("lineage")
	if err != nil {
		return err
	}
	client, err := h.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	lineage, err := client.Lineage(ctx, req)
	if err != nil {
		return err
	}
	if len(lineage) == 0 {
		fmt.Println("no lineage records")
		return nil
	}
	if *h.jsonOut {
		return printJSON(os.Stdout, lineage)
	}
	for _, rec := range lineage {
		fmt.Printf("gen=%d candidate_id=%s parents=%s op=%s\n",
			rec.Generation,
			rec.CandidateID,
			strings.Join(rec.ParentIDs, ","),
			rec.Operation,
		)
	}
	return nil
}

func formatDiagnostics(d model.GenerationDiagnostics) string {
	return fmt.Sprintf("generation=%s best=%.6g mean=%.6g worst=%.6g std=%.4g crossovers=%d mutations=%d",
		humanize.Comma(int64(d.Generation)),
		d.BestFitness,
		d.MeanFitness,
		d.WorstFitness,
		d.StdFitness,
		d.Crossovers,
		d.Mutations,
	)
}

type progressPrinter struct {
	out      io.Writer
	terminal bool
	width    int
	printed  bool
}

func newProgressPrinter(f *os.File) *progressPrinter {
	fd := f.Fd()
	return &progressPrinter{
		out:      f,
		terminal: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

func (p *progressPrinter) Print(d model.GenerationDiagnostics) {
	line := formatDiagnostics(d)
	p.printed = true
	if !p.terminal {
		fmt.Fprintln(p.out, line)
		return
	}
	pad := ""
	if n := p.width - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	p.width = len(line)
	fmt.Fprintf(p.out, "\r%s%s", line, pad)
}

func (p *progressPrinter) Done() {
	if p.terminal && p.printed {
		fmt.Fprintln(p.out)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: patchevoctl TRAIN [flags] <sampleDir> <outputDir> <generations>\n       patchevoctl TRAIN -store sqlite -resume <populationID> <sampleDir> <outputDir> <generations>\n       patchevoctl RUN <networkFile> <inputImage> <outputImage>\n       patchevoctl <runs|fitness|diagnostics|lineage> [flags]\nactivations: %s",
		msg, strings.Join(nn.ListActivations(), ", "))
}
