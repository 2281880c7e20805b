package decoder

// DecodeResponse runs the full C3 pipeline the MITM proxy (C4) calls for
// every buffered response it flagged for sniffing: un-chunk, inflate,
// regex-extract. Mirrors HttpInterceptor.process_response.
func DecodeResponse(raw []byte) (Frame, error) {
	chunked, done := DecodeChunked(raw)

	inflated, err := InflateZlibOrGzip(chunked)
	if err != nil {
		return Frame{}, err
	}

	frame := ParseFrames(inflated)
	frame.Done = done
	return frame, nil
}
