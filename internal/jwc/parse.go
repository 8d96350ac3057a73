package jwc

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/tidwall/gjson"

	"github.com/joescharf/enroll/internal/enrollerr"
)

const (
	handleSpanPrefix = "teachIdChoose"
	emptyResultMark  = "共有记录[0]条"
	claimSuccessFlag = "1"
)

var cdataField = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)

// ClaimResult is the backend's answer to a claim request. A false
// Succeeded is a normal outcome, not an error.
type ClaimResult struct {
	Succeeded bool
	Message   string
}

// parseLoginStatus reads the JSON status object returned by the login
// submission.
func parseLoginStatus(body []byte) (ok bool, msg string, err error) {
	if !gjson.ValidBytes(body) {
		return false, "", enrollerr.New(enrollerr.KindUnparseable, "login", "status is not JSON")
	}
	status := gjson.GetBytes(body, "loginStatus")
	if !status.Exists() {
		return false, "", enrollerr.New(enrollerr.KindUnparseable, "login", "missing loginStatus")
	}
	return status.String() == "1", gjson.GetBytes(body, "loginMsg").String(), nil
}

// parseResolve extracts the handle for code from a course query result
// page.
func parseResolve(body []byte, code string) (string, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return "", enrollerr.Wrap(enrollerr.KindUnparseable, "resolve", err).WithCode(code)
	}

	want := handleSpanPrefix + code
	for _, span := range htmlquery.Find(doc, "//span[@id]") {
		if htmlquery.SelectAttr(span, "id") != want {
			continue
		}
		handle := strings.TrimSpace(htmlquery.InnerText(span))
		if handle == "" {
			return "", enrollerr.New(enrollerr.KindUnparseable, "resolve", "empty handle element").WithCode(code)
		}
		return handle, nil
	}

	for _, td := range htmlquery.Find(doc, "//td") {
		if strings.Contains(htmlquery.InnerText(td), emptyResultMark) {
			return "", enrollerr.New(enrollerr.KindNotFound, "resolve", "no such course").WithCode(code)
		}
	}
	return "", enrollerr.New(enrollerr.KindUnparseable, "resolve", "no handle and no empty-result marker").WithCode(code)
}

// parseClaim extracts the success flag and message from a claim response.
func parseClaim(body []byte) (ClaimResult, error) {
	matches := cdataField.FindAllSubmatch(body, -1)
	if len(matches) < 2 {
		return ClaimResult{}, enrollerr.New(enrollerr.KindUnparseable, "claim",
			fmt.Sprintf("expected 2 fields, got %d", len(matches)))
	}
	return ClaimResult{
		Succeeded: string(matches[0][1]) == claimSuccessFlag,
		Message:   string(matches[1][1]),
	}, nil
}
