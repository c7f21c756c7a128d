// Command posereport replays a recorded pose session through the converter
// and plots the emitted translation per frame.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ayusman/markerpose/internal/config"
	"github.com/ayusman/markerpose/internal/convert"
	"github.com/ayusman/markerpose/internal/store"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file, defaults to built-in settings")
	dbPath := flag.String("db", "", "sample database, defaults to store.path from the config")
	session := flag.String("session", "", "session id to report, defaults to the most recent")
	target := flag.String("target", "", "override the conversion target (opengl or direct3d)")
	marker := flag.Int("marker", -1, "marker id to plot, defaults to the most frequently seen")
	out := flag.String("out", "poses.png", "output image (.png, .svg or .pdf)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *target != "" {
		cfg.Conversion.Target = *target
	}
	if *dbPath == "" {
		*dbPath = cfg.Store.Path
	}

	convCfg, err := cfg.ConverterConfig()
	if err != nil {
		log.Fatalf("Invalid conversion settings: %v", err)
	}
	conv, err := convert.NewConverter(convCfg)
	if err != nil {
		log.Fatalf("Invalid conversion settings: %v", err)
	}

	if _, err := os.Stat(*dbPath); err != nil {
		log.Fatalf("Database %s: %v", *dbPath, err)
	}
	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	id, err := pickSession(st, *session)
	if err != nil {
		log.Fatalf("%v", err)
	}
	samples, err := st.Samples().BySession(id)
	if err != nil {
		log.Fatalf("Failed to load samples: %v", err)
	}

	rep := Build(samples, conv, *marker)
	if err := rep.Save(*out); err != nil {
		log.Fatalf("Failed to write plot: %v", err)
	}

	fmt.Printf("session %s: %d samples, marker %d, %d plotted, %d rejected\n",
		id, len(samples), rep.MarkerID, len(rep.X), rep.Rejected)
	fmt.Printf("target %s (%s, %s), plot written to %s\n",
		convCfg.Target.Name, convCfg.Target.Layout.Storage, convCfg.Target.Handedness, *out)
}

func pickSession(st *store.Store, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	sessions, err := st.Samples().Sessions()
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return "", errors.New("no recorded sessions")
	}
	return sessions[0], nil
}
