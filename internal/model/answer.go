package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Answer is one question's stored answer.
type Answer struct {
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`
	Score      *float64        `json:"score,omitempty"`
}

// Answers is an ordered questionId → answer map. On the wire it is a JSON
// object whose key order is preserved; values are a string or an array of
// strings.
type Answers []Answer

// Get returns the answer stored for questionID.
func (a Answers) Get(questionID string) (Answer, bool) {
	for _, ans := range a {
		if ans.QuestionID == questionID {
			return ans, true
		}
	}
	return Answer{}, false
}

// Clone returns a deep copy.
func (a Answers) Clone() Answers {
	if a == nil {
		return nil
	}
	out := make(Answers, len(a))
	for i, ans := range a {
		out[i] = Answer{QuestionID: ans.QuestionID, Value: append(json.RawMessage(nil), ans.Value...)}
		if ans.Score != nil {
			s := *ans.Score
			out[i].Score = &s
		}
	}
	return out
}

type answerValue struct {
	Value json.RawMessage `json:"value"`
	Score *float64        `json:"score,omitempty"`
}

// MarshalJSON renders the answers as an object keyed by question id.
func (a Answers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ans := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(ans.QuestionID)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(answerValue{Value: ans.Value, Score: ans.Score})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts {"<questionId>": <value>, ...} where value is a
// string, an array of strings, or an object {"value": ..., "score": ...}.
func (a *Answers) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: answers must be an object", ErrValidation)
	}

	out := Answers{}
	seen := make(map[string]struct{})
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		qid, _ := keyTok.(string)
		if qid == "" {
			return fmt.Errorf("%w: empty question id", ErrValidation)
		}
		if _, dup := seen[qid]; dup {
			return fmt.Errorf("%w: duplicate question id %q", ErrValidation, qid)
		}
		seen[qid] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		ans, err := parseAnswer(qid, raw)
		if err != nil {
			return err
		}
		out = append(out, ans)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}

func parseAnswer(qid string, raw json.RawMessage) (Answer, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var av answerValue
		if err := json.Unmarshal(trimmed, &av); err != nil {
			return Answer{}, fmt.Errorf("%w: answer %q: %v", ErrValidation, qid, err)
		}
		if err := checkAnswerValue(qid, av.Value); err != nil {
			return Answer{}, err
		}
		return Answer{QuestionID: qid, Value: av.Value, Score: av.Score}, nil
	}
	if err := checkAnswerValue(qid, trimmed); err != nil {
		return Answer{}, err
	}
	return Answer{QuestionID: qid, Value: append(json.RawMessage(nil), trimmed...)}, nil
}

func checkAnswerValue(qid string, raw json.RawMessage) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && list != nil {
		return nil
	}
	return fmt.Errorf("%w: answer %q must be a string or an array of strings", ErrValidation, qid)
}
