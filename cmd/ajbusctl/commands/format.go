package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatStatus(s statusResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(s)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "GUID:\t%s\n", s.GUID)
		fmt.Fprintf(w, "Uptime:\t%ds\n", s.UptimeSeconds)
		fmt.Fprintf(w, "Incomplete Connections:\t%d\n", s.IncompleteConnections)
		fmt.Fprintf(w, "Authenticated Connections:\t%d\n", s.AuthenticatedConnections)
		fmt.Fprintf(w, "Names:\t%d\n", s.NameCount)
		fmt.Fprintf(w, "Sessions:\t%d\n", s.SessionCount)
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatNames(names []nameEntryResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(names)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tOWNER")
		for _, n := range names {
			fmt.Fprintf(w, "%s\t%s\n", n.Name, n.Owner)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSessions(sessions []sessionResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(sessions)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOST\tPORT\tBINDER\tMEMBERS")
		for _, s := range sessions {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", s.ID, s.Host, s.Port, s.Binder, joinUint64s(s.Members))
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatEndpoints(endpoints []endpointResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(endpoints)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tUNIQUE-NAME\tREMOTE-GUID\tKEEPALIVE")
		for _, e := range endpoints {
			remote := e.RemoteGUID
			if remote == "" {
				remote = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.Kind, e.UniqueName, remote, e.KAState)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatJSONValue(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b) + "\n", nil
}

func joinUint64s(vs []uint64) string {
	if len(vs) == 0 {
		return "-"
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, ",")
}
