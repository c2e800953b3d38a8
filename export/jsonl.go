package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cobaltgraph/cobaltgraph/consensus"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
	"github.com/cobaltgraph/cobaltgraph/scoring"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const openFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND

// jsonlLine is the wire schema of one detailed export line
type jsonlLine struct {
	Timestamp float64                    `json:"timestamp"`
	DstIP     string                     `json:"dst_ip"`
	DstPort   int                        `json:"dst_port"`
	Enriched  *enrichment.EnrichedRecord `json:"enriched"`
	Consensus jsonlConsensus             `json:"consensus"`
}

type jsonlConsensus struct {
	ConsensusScore  float64        `json:"consensus_score"`
	Confidence      float64        `json:"confidence"`
	HighUncertainty bool           `json:"high_uncertainty"`
	Method          string         `json:"method"`
	Votes           []scoring.Vote `json:"votes"`
	Outliers        []string       `json:"outliers"`
	Metadata        jsonlMetadata  `json:"metadata"`
}

type jsonlMetadata struct {
	NumScorers  int     `json:"num_scorers"`
	NumOutliers int     `json:"num_outliers"`
	ScoreSpread float64 `json:"score_spread"`
}

// jsonlSink writes one newline-delimited UTF-8 JSON object per assessment,
// rotating on size or date change
type jsonlSink struct {
	*rotatingFile
}

func newJSONLSink(afs afero.Fs, dir string, maxBytes int64) (*jsonlSink, error) {
	rf, err := newRotatingFile(afs, filepath.Join(dir, jsonlFileName), maxBytes)
	if err != nil {
		return nil, fmt.Errorf("unable to open JSONL export: %w", err)
	}
	return &jsonlSink{rotatingFile: rf}, nil
}

func (s *jsonlSink) writeBatch(entries []Entry) error {
	for _, entry := range entries {
		line, err := json.Marshal(buildJSONLLine(entry.Enriched, entry.Assessment))
		if err != nil {
			return fmt.Errorf("unable to serialize export line: %w", err)
		}
		line = append(line, '\n')
		if err := s.write(line); err != nil {
			return err
		}
	}
	return s.sync()
}

func buildJSONLLine(enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) jsonlLine {
	return jsonlLine{
		Timestamp: assessment.Timestamp,
		DstIP:     assessment.DstIP,
		DstPort:   assessment.DstPort,
		Enriched:  enriched,
		Consensus: jsonlConsensus{
			ConsensusScore:  assessment.ConsensusScore,
			Confidence:      assessment.Confidence,
			HighUncertainty: assessment.HighUncertainty,
			Method:          assessment.Method,
			Votes:           assessment.Votes,
			Outliers:        assessment.Outliers,
			Metadata: jsonlMetadata{
				NumScorers:  assessment.NumScorers,
				NumOutliers: assessment.NumOutliers,
				ScoreSpread: assessment.ScoreSpread,
			},
		},
	}
}

// rotatingFile is the shared size-and-date rotation behavior of both sinks.
// Rotation renames the live file to name.YYYYMMDD-HHMMSS.ext and opens a
// fresh live file; the rename is atomic on POSIX filesystems.
type rotatingFile struct {
	afs      afero.Fs
	path     string
	file     afero.File
	written  int64
	maxBytes int64
	openDay  string

	// now is swappable for tests
	now func() time.Time
}

func newRotatingFile(afs afero.Fs, path string, maxBytes int64) (*rotatingFile, error) {
	rf := &rotatingFile{
		afs:      afs,
		path:     path,
		maxBytes: maxBytes,
		now:      time.Now,
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	file, err := rf.afs.OpenFile(rf.path, openFlags, 0o640)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	rf.file = file
	rf.written = info.Size()
	rf.openDay = rf.now().Format("20060102")
	return nil
}

func (rf *rotatingFile) write(p []byte) error {
	if err := rf.rotateIfNeeded(int64(len(p))); err != nil {
		return err
	}
	n, err := rf.file.Write(p)
	rf.written += int64(n)
	return err
}

func (rf *rotatingFile) rotateIfNeeded(incoming int64) error {
	day := rf.now().Format("20060102")
	sizeExceeded := rf.written > 0 && rf.written+incoming > rf.maxBytes
	dateChanged := day != rf.openDay
	if !sizeExceeded && !dateChanged {
		return nil
	}

	if err := rf.file.Close(); err != nil {
		return err
	}

	ext := filepath.Ext(rf.path)
	base := rf.path[:len(rf.path)-len(ext)]
	rotated := fmt.Sprintf("%s.%s%s", base, rf.now().Format("20060102-150405"), ext)
	if err := rf.afs.Rename(rf.path, rotated); err != nil {
		return err
	}

	return rf.open()
}

func (rf *rotatingFile) sync() error {
	return rf.file.Sync()
}

func (rf *rotatingFile) close() error {
	return rf.file.Close()
}
