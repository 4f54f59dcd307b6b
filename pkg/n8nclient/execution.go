package n8nclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
)

// Execution is the subset of an n8n execution this service reads. Depending on the
// instance version run data sits under data.resultData or directly under resultData.
type Execution struct {
	ID         json.RawMessage `json:"id"`
	Finished   bool            `json:"finished"`
	Status     string          `json:"status"`
	Data       *ExecutionData  `json:"data"`
	ResultData *ResultData     `json:"resultData"`
}

// ExecutionData wraps the result data of an execution.
type ExecutionData struct {
	ResultData *ResultData `json:"resultData"`
}

// ResultData holds the per-node run data.
type ResultData struct {
	RunData RunData `json:"runData"`
}

// RunData keeps nodes in the order they appear in the document. Node order matters
// when several nodes carry an identifier: the first one wins.
type RunData struct {
	Nodes []NodeRuns
}

// NodeRuns is every run of one node.
type NodeRuns struct {
	Name string
	Runs []Run
}

// Run is a single node run. Main holds one item list per output.
type Run struct {
	Data *struct {
		Main [][]Item `json:"main"`
	} `json:"data"`
}

// Item is one output item; JSON is left raw because nodes emit arbitrary shapes.
type Item struct {
	JSON json.RawMessage `json:"json"`
}

// UnmarshalJSON decodes the runData object while preserving key order.
func (r *RunData) UnmarshalJSON(b []byte) error {
	r.Nodes = nil
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("runData: expected object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("runData node %q: %w", name, err)
		}
		node := NodeRuns{Name: name}
		// Nodes whose runs are not a list are kept but carry no runs.
		if err := json.Unmarshal(raw, &node.Runs); err != nil {
			log.Printf("level=warn component=n8n_client node=%q msg=\"skipping node with undecodable run data\" err=%v", name, err)
			node.Runs = nil
		}
		r.Nodes = append(r.Nodes, node)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// RunData returns the run data from whichever location the instance uses.
func (e *Execution) RunData() RunData {
	if e == nil {
		return RunData{}
	}
	if e.Data != nil && e.Data.ResultData != nil && len(e.Data.ResultData.RunData.Nodes) > 0 {
		return e.Data.ResultData.RunData
	}
	if e.ResultData != nil {
		return e.ResultData.RunData
	}
	return RunData{}
}

// Items walks every item of every output of every run, node by node in document order,
// and stops when visit returns false.
func (r RunData) Items(visit func(node string, item map[string]any) bool) {
	for _, node := range r.Nodes {
		for _, run := range node.Runs {
			if run.Data == nil {
				continue
			}
			for _, output := range run.Data.Main {
				for _, item := range output {
					if len(item.JSON) == 0 {
						continue
					}
					var obj map[string]any
					if err := json.Unmarshal(item.JSON, &obj); err != nil || obj == nil {
						continue
					}
					if !visit(node.Name, obj) {
						return
					}
				}
			}
		}
	}
}
