package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// LogRequest dumps an outgoing provider request to stderr when verbose mode
// is on. Authorization values are redacted.
func LogRequest(verbose bool, method, url string, headers http.Header, body []byte) {
	if !verbose {
		return
	}

	fmt.Fprintln(os.Stderr, "--- REQUEST ---")
	fmt.Fprintf(os.Stderr, "%s %s\n", method, url)
	fmt.Fprintln(os.Stderr, "Headers:")
	for key, values := range headers {
		for _, value := range values {
			if isSecretHeader(key) {
				value = "[REDACTED]"
			}
			fmt.Fprintf(os.Stderr, "  %s: %s\n", key, value)
		}
	}
	if len(body) > 0 {
		fmt.Fprintln(os.Stderr, "Body:")
		writeJSON(truncateImagePayloads(body))
	}
	fmt.Fprintln(os.Stderr, "---------------")
}

// LogResponse dumps a provider response to stderr when verbose mode is on.
// Inline image payloads are truncated for readability.
func LogResponse(verbose bool, statusCode int, headers http.Header, body []byte) {
	if !verbose {
		return
	}

	fmt.Fprintln(os.Stderr, "--- RESPONSE ---")
	fmt.Fprintf(os.Stderr, "Status: %d\n", statusCode)
	fmt.Fprintln(os.Stderr, "Headers:")
	for key, values := range headers {
		for _, value := range values {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", key, value)
		}
	}
	if len(body) > 0 {
		fmt.Fprintln(os.Stderr, "Body:")
		writeJSON(truncateImagePayloads(body))
	}
	fmt.Fprintln(os.Stderr, "----------------")
}

func isSecretHeader(key string) bool {
	switch strings.ToLower(key) {
	case "authorization", "x-goog-api-key":
		return true
	}
	return false
}

func writeJSON(body []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "  ", "  "); err == nil {
		fmt.Fprintf(os.Stderr, "  %s\n", pretty.String())
	} else {
		fmt.Fprintf(os.Stderr, "  %s\n", string(body))
	}
}

func truncateImagePayloads(body []byte) []byte {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}

	truncateFields(data)

	result, err := json.Marshal(data)
	if err != nil {
		return body
	}
	return result
}

func truncateFields(data map[string]interface{}) {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if (key == "data" || strings.HasPrefix(v, "data:")) && len(v) > 100 {
				data[key] = v[:100] + "... [truncated]"
			}
		case map[string]interface{}:
			truncateFields(v)
		case []interface{}:
			for i, item := range v {
				switch it := item.(type) {
				case map[string]interface{}:
					truncateFields(it)
				case string:
					if strings.HasPrefix(it, "data:") && len(it) > 100 {
						v[i] = it[:100] + "... [truncated]"
					}
				}
			}
		}
	}
}
