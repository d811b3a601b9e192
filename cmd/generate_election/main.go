package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ahrav/go-redistrict/infrastructure/tables"
	"github.com/ahrav/go-redistrict/internal/testutils"
)

func main() {
	cfg := testutils.DefaultGeneratorConfig()
	var (
		outputDir   = flag.String("output", "testdata/election", "Directory for votes.csv, districts.csv and winners.csv")
		seed        = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
		counties    = flag.String("counties", strings.Join(cfg.Counties, ","), "Comma-separated county names")
		perCounty   = flag.Int("districts", cfg.DistrictsPerCounty, "Districts per county")
		towns       = flag.Int("towns", cfg.TownsPerDistrict, "Towns per district")
		maxSeats    = flag.Int("max-seats", cfg.MaxSeats, "Largest seat count of a district")
		redistrict  = flag.Int("redistricted", cfg.RedistrictedBefore, "First year drawn on the current map")
		uncontested = flag.Float64("uncontested", cfg.UncontestedRate, "Probability that one party fields no candidate")
	)
	flag.Parse()

	cfg.Counties = strings.Split(*counties, ",")
	cfg.DistrictsPerCounty = *perCounty
	cfg.TownsPerDistrict = *towns
	cfg.MaxSeats = *maxSeats
	cfg.RedistrictedBefore = *redistrict
	cfg.UncontestedRate = *uncontested
	if cfg.DistrictsPerCounty < 1 || cfg.TownsPerDistrict < 1 || cfg.MaxSeats < 1 {
		log.Fatalf("districts, towns and max-seats must be positive")
	}

	election := testutils.GenerateElection(cfg, *seed)
	if err := tables.WriteInputs(*outputDir, election.Votes, election.Districts, election.Winners); err != nil {
		log.Fatalf("Failed to save election: %v", err)
	}

	fmt.Printf("Generated synthetic election:\n")
	fmt.Printf("- Directory: %s\n", *outputDir)
	fmt.Printf("- Seed: %d\n", *seed)
	fmt.Printf("- Years: %v\n", election.Years)
	fmt.Printf("- Vote records: %d\n", len(election.Votes))
	fmt.Printf("- District rows: %d\n", len(election.Districts))
	fmt.Printf("- Winners: %d\n", len(election.Winners))
	fmt.Printf("- Current map: %q\n", testutils.CurrentMapName)
}
