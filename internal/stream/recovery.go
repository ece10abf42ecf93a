package stream

import "encoding/json"

// stripPreviousResponseID removes openai.previousResponseId from the
// provider options and returns the removed id (empty if none was set).
func stripPreviousResponseID(opts map[string]map[string]any) string {
	if opts == nil {
		return ""
	}
	openai := opts["openai"]
	if openai == nil {
		return ""
	}
	id, _ := openai["previousResponseId"].(string)
	delete(openai, "previousResponseId")
	return id
}

// StripEncryptedContent removes encryptedContent fields from a tool
// output. Providers tuck opaque reasoning blobs in there; persisting or
// replaying them is useless and bloats the log. Handles both the bare
// array shape and the {type:"json", value:[...]} wrapper.
func StripEncryptedContent(output json.RawMessage) json.RawMessage {
	if len(output) == 0 {
		return output
	}

	var wrapper map[string]any
	if err := json.Unmarshal(output, &wrapper); err == nil {
		if wrapper["type"] == "json" {
			if arr, ok := wrapper["value"].([]any); ok {
				wrapper["value"] = stripFromArray(arr)
				if out, err := json.Marshal(wrapper); err == nil {
					return out
				}
			}
		}
		return output
	}

	var arr []any
	if err := json.Unmarshal(output, &arr); err == nil {
		if out, err := json.Marshal(stripFromArray(arr)); err == nil {
			return out
		}
	}
	return output
}

func stripFromArray(arr []any) []any {
	for i, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			continue
		}
		delete(obj, "encryptedContent")
		arr[i] = obj
	}
	return arr
}
