package render

import (
	"fmt"
	"html"
	"net/http"
)

// Messages shown on the error document.
const (
	MessageCannotSucceed = "Sorry, this request cannot succeed."
	MessageTryAgainLater = "Sorry, we are unable to load this page at this time. Please try again later."
)

// ErrorMessage picks the user-facing copy for status. Client errors other
// than 404 cannot succeed on retry; everything else may.
func ErrorMessage(status int) string {
	if status >= 400 && status < 500 && status != http.StatusNotFound {
		return MessageCannotSucceed
	}
	return MessageTryAgainLater
}

// ErrorDocument is the static page served when a response cannot be built.
// It loads nothing external.
func ErrorDocument(status int, correlationID string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en-US">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>One App</title>
<style>
body { margin: 0; font-family: Helvetica, Arial, sans-serif; background: #f7f8f9; color: #333; }
main { max-width: 40rem; margin: 15vh auto 0; padding: 0 1.5rem; }
h1 { font-size: 1.5rem; }
code { color: #666; font-size: 0.8rem; }
</style>
</head>
<body>
<main>
<h1>%s</h1>
<p><code>status %d, reference %s</code></p>
</main>
</body>
</html>
`, html.EscapeString(ErrorMessage(status)), status, html.EscapeString(correlationID))
}
