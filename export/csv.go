package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
)

// csvHeader is the fixed summary column set
var csvHeader = []string{
	"timestamp", "dst_ip", "dst_port", "protocol", "country_code", "asn",
	"as_org", "consensus_score", "confidence", "high_uncertainty",
	"num_scorers", "num_outliers", "is_known_malicious",
}

// csvSink writes one summary row per assessment, rotating on size or date
// change. The header is re-written at the top of every fresh live file.
type csvSink struct {
	*rotatingFile
}

func newCSVSink(afs afero.Fs, dir string, maxBytes int64) (*csvSink, error) {
	rf, err := newRotatingFile(afs, filepath.Join(dir, csvFileName), maxBytes)
	if err != nil {
		return nil, fmt.Errorf("unable to open CSV export: %w", err)
	}
	s := &csvSink{rotatingFile: rf}
	if err := s.writeHeaderIfEmpty(); err != nil {
		_ = rf.close()
		return nil, err
	}
	return s, nil
}

func (s *csvSink) writeHeaderIfEmpty() error {
	if s.written > 0 {
		return nil
	}
	return s.write(encodeCSVRow(csvHeader))
}

func (s *csvSink) writeBatch(entries []Entry) error {
	for _, entry := range entries {
		if err := s.write(encodeCSVRow(summaryRow(entry))); err != nil {
			return err
		}
	}
	return s.sync()
}

// write wraps the rotating write with header maintenance after rotation
func (s *csvSink) write(p []byte) error {
	if err := s.rotateIfNeeded(int64(len(p))); err != nil {
		return err
	}
	if s.written == 0 && !bytes.HasPrefix(p, []byte("timestamp,")) {
		if _, err := s.file.Write(encodeCSVRow(csvHeader)); err != nil {
			return err
		}
		s.written += int64(len(encodeCSVRow(csvHeader)))
	}
	n, err := s.file.Write(p)
	s.written += int64(n)
	return err
}

func summaryRow(entry Entry) []string {
	enriched := entry.Enriched
	assessment := entry.Assessment

	var countryCode, asOrg string
	var asn int
	if enriched.Geo != nil {
		countryCode = enriched.Geo.CountryCode
		asn = enriched.Geo.ASN
		asOrg = enriched.Geo.ASOrg
	}

	return []string{
		formatFloat(assessment.Timestamp),
		assessment.DstIP,
		strconv.Itoa(assessment.DstPort),
		enriched.Protocol,
		countryCode,
		strconv.Itoa(asn),
		asOrg,
		formatFloat(assessment.ConsensusScore),
		formatFloat(assessment.Confidence),
		strconv.FormatBool(assessment.HighUncertainty),
		strconv.Itoa(assessment.NumScorers),
		strconv.Itoa(assessment.NumOutliers),
		strconv.FormatBool(enriched.IsKnownMalicious()),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// encodeCSVRow renders one row through encoding/csv so quoting stays correct
func encodeCSVRow(fields []string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(fields)
	w.Flush()
	return buf.Bytes()
}
