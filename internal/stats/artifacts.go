package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"evolve/internal/model"
)

const (
	summaryFile     = "summary.json"
	generationsFile = "generations.json"
	snapshotFile    = "snapshot.json"
	seriesFile      = "fitness_series.csv"
)

// Summary aggregates the archived generations of one population.
type Summary struct {
	PopulationID     string    `json:"population_id"`
	Generations      int       `json:"generations"`
	FirstGeneration  int       `json:"first_generation"`
	FinalGeneration  int       `json:"final_generation"`
	FinalSize        int       `json:"final_size"`
	InitialBest      float64   `json:"initial_best"`
	FinalBest        float64   `json:"final_best"`
	BestMean         float64   `json:"best_mean"`
	BestStd          float64   `json:"best_std"`
	BestMax          float64   `json:"best_max"`
	BestMin          float64   `json:"best_min"`
	Improvement      float64   `json:"improvement"`
	TotalKilled      int       `json:"total_killed"`
	TotalBorn        int       `json:"total_born"`
	TotalDropped     int       `json:"total_dropped"`
	TotalMutated     int       `json:"total_mutated"`
	ExportedAtUTC    time.Time `json:"exported_at_utc"`
	SnapshotIncluded bool      `json:"snapshot_included"`
}

type Artifacts struct {
	PopulationID string
	Records      []model.GenerationRecord
	Snapshot     *model.PopulationSnapshot
}

// Summarize reduces records, oldest first, to a Summary.
func Summarize(populationID string, records []model.GenerationRecord) Summary {
	s := Summary{PopulationID: populationID, Generations: len(records)}
	if len(records) == 0 {
		return s
	}
	first, last := records[0], records[len(records)-1]
	s.FirstGeneration = first.Generation
	s.FinalGeneration = last.Generation
	s.FinalSize = last.Size
	s.InitialBest = first.BestFitness
	s.FinalBest = last.BestFitness
	s.Improvement = last.BestFitness - first.BestFitness

	best := make([]float64, 0, len(records))
	for _, r := range records {
		best = append(best, r.BestFitness)
		s.TotalKilled += r.Killed
		s.TotalBorn += r.Born
		s.TotalDropped += r.Dropped
		s.TotalMutated += r.Mutated
	}
	s.BestMean, s.BestStd = avgStd(best)
	s.BestMax, s.BestMin = maxMin(best)
	return s
}

// WriteArtifacts writes the history of one population under
// baseDir/<population id> and returns that directory.
func WriteArtifacts(baseDir string, artifacts Artifacts) (string, error) {
	if artifacts.PopulationID == "" {
		return "", fmt.Errorf("population id is required")
	}

	dir := filepath.Join(baseDir, artifacts.PopulationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	summary := Summarize(artifacts.PopulationID, artifacts.Records)
	summary.ExportedAtUTC = time.Now().UTC()
	summary.SnapshotIncluded = artifacts.Snapshot != nil

	records := artifacts.Records
	if records == nil {
		records = []model.GenerationRecord{}
	}
	if err := writeJSON(filepath.Join(dir, summaryFile), summary); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, generationsFile), records); err != nil {
		return "", err
	}
	if artifacts.Snapshot != nil {
		if err := writeJSON(filepath.Join(dir, snapshotFile), artifacts.Snapshot); err != nil {
			return "", err
		}
	}
	if err := writeSeries(filepath.Join(dir, seriesFile), records); err != nil {
		return "", err
	}
	return dir, nil
}

// ReadSummary loads the summary written by WriteArtifacts.
func ReadSummary(dir string) (Summary, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, summaryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, false, nil
		}
		return Summary{}, false, err
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return Summary{}, false, err
	}
	return summary, true, nil
}

// ReadSeries loads the best fitness per generation, keyed by generation.
func ReadSeries(dir string) (map[int]float64, bool, error) {
	file, err := os.Open(filepath.Join(dir, seriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return map[int]float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("fitness series header must have at least 2 columns")
	}

	series := make(map[int]float64)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		generation, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, false, err
		}
		best, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, false, err
		}
		series[generation] = best
	}
	return series, true, nil
}

func writeSeries(path string, records []model.GenerationRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"generation", "best_fitness", "mean_fitness", "min_fitness", "size"}); err != nil {
		return err
	}
	for _, r := range records {
		if err := writer.Write([]string{
			strconv.Itoa(r.Generation),
			strconv.FormatFloat(r.BestFitness, 'f', -1, 64),
			strconv.FormatFloat(r.MeanFitness, 'f', -1, 64),
			strconv.FormatFloat(r.MinFitness, 'f', -1, 64),
			strconv.Itoa(r.Size),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func avgStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	avg := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - avg) * (v - avg)
	}
	return avg, math.Sqrt(sq / float64(len(values)))
}

func maxMin(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	hi, lo := values[0], values[0]
	for _, v := range values[1:] {
		hi = math.Max(hi, v)
		lo = math.Min(lo, v)
	}
	return hi, lo
}
