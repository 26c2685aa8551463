package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "citybridge.ai/internal/persistence/log"
	"citybridge.ai/internal/sim/catalogs"
	"citybridge.ai/internal/sim/city"
	"citybridge.ai/internal/sim/tuning"
)

func main() {
	var (
		cityDir    = flag.String("city_dir", "./data/cities/city_1", "city data directory (reads <city_dir>/commands)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		turns      = flag.Bool("turns", false, "accrue turn income while replaying (one tick per command)")
		show       = flag.Int("show", 20, "mismatches to print (0 for all)")
	)
	flag.Parse()

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		fail("load catalogs: %v", err)
	}
	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		fail("load tuning: %v", err)
	}

	cfg := city.ConfigFromTuning(filepath.Base(*cityDir), tune)
	if !*turns {
		cfg.TurnTicks = 0
	}
	c, err := city.New(cfg, cats, nil)
	if err != nil {
		fail("city: %v", err)
	}

	files, err := persistlog.CommandLogFiles(filepath.Join(*cityDir, "commands"))
	if err != nil {
		fail("list command logs: %v", err)
	}
	if len(files) == 0 {
		fail("no command logs under %s", filepath.Join(*cityDir, "commands"))
	}

	r := newReplayer(c)
	var rep report
	for _, path := range files {
		recs, err := persistlog.ReadCommandLog(path)
		if err != nil {
			fail("read %s: %v", path, err)
		}
		if err := r.run(recs, &rep); err != nil {
			fail("replay %s: %v", filepath.Base(path), err)
		}
	}

	rep.print(os.Stdout, *show)
	if v := c.View(); v != nil {
		fmt.Printf("final tick=%d money=%d population=%d power=%d income=%d buildings=%d\n",
			v.Tick, v.Stats.Money, v.Stats.Population, v.Stats.Power, v.Stats.Income, v.Stats.Buildings)
	}
	if len(rep.Mismatch) > 0 {
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
