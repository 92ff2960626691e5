package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/patrikhermansson/recall/feature"
	"github.com/patrikhermansson/recall/snapshot"
)

const importBatch = 1000

var featuresCSV string

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Manage the Badger user feature store",
}

var featuresImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import user embeddings from a user_id,v0,v1,... CSV file",
	Args:  cobra.NoArgs,
	RunE:  runFeaturesImport,
}

func init() {
	f := featuresImportCmd.Flags()
	f.StringVar(&featuresCSV, "csv", "", "input CSV file")
	f.String("dir", "", "badger directory (overrides features.badger_dir)")
	_ = featuresImportCmd.MarkFlagRequired("csv")
	bindFlag("dir", "features.badger_dir")

	featuresCmd.AddCommand(featuresImportCmd)
	rootCmd.AddCommand(featuresCmd)
}

func runFeaturesImport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadOptionalConfig(cmd)
	if err != nil {
		return err
	}
	rows, err := snapshot.ReadCSV(featuresCSV)
	if err != nil {
		return err
	}
	db, err := feature.NewBadger(feature.BadgerOptions{Dir: cfg.Features.BadgerDir})
	if err != nil {
		return err
	}
	defer db.Close()

	bar := progressbar.Default(int64(len(rows)), "importing")
	defer bar.Close()
	for start := 0; start < len(rows); start += importBatch {
		chunk := rows[start:min(start+importBatch, len(rows))]
		batch := make(map[int64][]float32, len(chunk))
		for _, r := range chunk {
			batch[r.ID] = r.Vector
		}
		if err := db.PutBatch(cmd.Context(), batch); err != nil {
			return err
		}
		_ = bar.Add(len(chunk))
	}

	n, err := db.Count()
	if err != nil {
		return err
	}
	log.Info().Msgf("Imported %d users into %s (%d stored)", len(rows), cfg.Features.BadgerDir, n)
	return nil
}
