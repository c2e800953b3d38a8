package viewer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cobaltgraph/cobaltgraph/database"
)

// FormatResults renders stored connection outcomes as a plain table for the
// view command
func FormatResults(rows []database.ConnectionRow) string {
	if len(rows) == 0 {
		return "no stored assessments\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-19s  %-39s  %-5s  %-8s  %6s  %6s  %-9s  %s\n",
		"TIME", "DESTINATION", "PROTO", "COUNTRY", "SCORE", "CONF", "MALICIOUS", "FLAGS"))

	for _, row := range rows {
		flags := ""
		if row.HighUncertainty {
			flags = "uncertain"
		}
		b.WriteString(fmt.Sprintf("%-19s  %-39s  %-5s  %-8s  %6.2f  %6.2f  %-9s  %s\n",
			time.Unix(int64(row.Timestamp), 0).Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%s:%d", row.DstIP, row.DstPort),
			row.Protocol,
			row.CountryCode,
			row.ConsensusScore,
			row.Confidence,
			strconv.FormatBool(row.IsKnownMalicious),
			flags))
	}
	return b.String()
}

// GetCSVOutput renders stored connection outcomes in the summary CSV shape
// so view output can be piped into other tooling
func GetCSVOutput(db *database.DB, limit int) (string, error) {
	rows, err := db.RecentConnections(limit)
	if err != nil {
		return "", err
	}
	return FormatToCSV(rows), nil
}

// FormatToCSV formats rows with the fixed summary column set
func FormatToCSV(rows []database.ConnectionRow) string {
	columns := []string{
		"timestamp", "dst_ip", "dst_port", "protocol", "country_code", "asn",
		"as_org", "consensus_score", "confidence", "high_uncertainty", "is_known_malicious",
	}

	lines := []string{strings.Join(columns, ",")}
	for _, row := range rows {
		fields := []string{
			strconv.FormatFloat(row.Timestamp, 'f', -1, 64),
			row.DstIP,
			strconv.Itoa(row.DstPort),
			row.Protocol,
			row.CountryCode,
			strconv.Itoa(row.ASN),
			row.ASOrg,
			strconv.FormatFloat(row.ConsensusScore, 'f', -1, 64),
			strconv.FormatFloat(row.Confidence, 'f', -1, 64),
			strconv.FormatBool(row.HighUncertainty),
			strconv.FormatBool(row.IsKnownMalicious),
		}
		lines = append(lines, strings.Join(fields, ","))
	}
	return strings.Join(lines, "\n") + "\n"
}
