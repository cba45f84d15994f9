package compute

import (
	"encoding/json"
	"errors"

	"evolve/internal/model"
)

// Request is the envelope sent for every operation.
type Request struct {
	Count       int                `json:"count,omitempty"`
	Individuals []model.Individual `json:"individuals,omitempty"`
	Population  PopulationInfo     `json:"population"`
}

// Response carries results or the remote error text.
type Response struct {
	Individuals []model.Individual `json:"individuals,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// RemoteError is an error reported by the serving side.
type RemoteError struct {
	Operation string
	Message   string
}

func (e *RemoteError) Error() string {
	return "remote " + e.Operation + ": " + e.Message
}

var errEmptyReply = errors.New("empty reply")

func encodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

func decodeRequest(data []byte) (Request, error) {
	var req Request
	if len(data) == 0 {
		return req, nil
	}
	err := json.Unmarshal(data, &req)
	return req, err
}

func encodeResponse(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Response{Error: err.Error()})
	}
	return data
}

func decodeResponse(op string, data []byte) (Response, error) {
	if len(data) == 0 {
		return Response{}, errEmptyReply
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, err
	}
	if resp.Error != "" {
		return Response{}, &RemoteError{Operation: op, Message: resp.Error}
	}
	return resp, nil
}
