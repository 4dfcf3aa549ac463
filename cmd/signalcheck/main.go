// Command signalcheck validates a signal file and previews the next signals due.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON or YAML config file")
	upcoming := flag.Int("upcoming", 5, "number of upcoming signals to preview")
	flag.Parse()

	godotenv.Load()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: signalcheck [-config file] [-upcoming n] <signals.txt>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	loc := cfg.EngineConfig.Location()

	src := signals.NewFileSource(flag.Arg(0))
	list, err := src.LoadAll()

	var pe *signals.ParseError
	switch {
	case err == nil:
	case errors.As(err, &pe):
	default:
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", src.Path(), err)
		os.Exit(1)
	}

	fmt.Printf("%s: %d valid signals\n", src.Path(), len(list))
	for i, sig := range list {
		fmt.Printf("  [%d] line %d  %s\n", i, sig.Line, sig)
	}

	now := time.Now().In(loc)
	if next := src.NextUpcoming(now, *upcoming); len(next) > 0 {
		fmt.Printf("\nNext signals after %s (%s):\n", now.Format("15:04"), loc)
		for _, sig := range next {
			fmt.Printf("  %s\n", sig.Preview())
		}
	}

	if pe != nil {
		fmt.Printf("\n%d rejected lines:\n", len(pe.Lines))
		for _, l := range pe.Lines {
			fmt.Printf("  line %d: %q: %s\n", l.Line, l.Text, l.Reason)
		}
		os.Exit(1)
	}
}
