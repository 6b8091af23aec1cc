package fallback

import "fmt"

const noTranscript = "No transcription available"

// FallbackNote renders a placeholder note when the server finished a
// session without producing one.
func FallbackNote(transcript string) string {
	if transcript == "" {
		transcript = noTranscript
	}
	return fmt.Sprintf(`# Medical Note (Automatically Generated)

## Transcription
%s

## Summary
A summary could not be generated automatically. Please review the transcription.`, transcript)
}
