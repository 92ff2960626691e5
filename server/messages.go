package server

// Item is the AddItem request.
type Item struct {
	ItemID     int64     `json:"itemID"`
	ItemVector []float32 `json:"itemVector"`
}

// Query is the SearchCandidates request.
type Query struct {
	UserID int64 `json:"userID"`
	K      int32 `json:"k"`
}

// Candidates is the SearchCandidates response, closest item first.
type Candidates struct {
	Candidate []int64   `json:"candidate"`
	Scores    []float64 `json:"scores,omitempty"`
}

// ServerMessage carries the GetMetrics report.
type ServerMessage struct {
	Str string `json:"str"`
}

// Empty is the empty request or acknowledgment.
type Empty struct{}

// errorBody is the HTTP error payload.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
