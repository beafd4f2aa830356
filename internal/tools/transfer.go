package tools

import "context"

func (r *Registry) registerTransferTools() {
	r.Register(&Tool{
		Name:        TransferToHuman,
		Description: "Transfer the caller to a human agent. Use when the caller requests a person or when you cannot fulfill their request.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Brief reason for the transfer",
				},
			},
			"required": []string{"reason"},
		},
		Handler: handleTransferToHuman,
	})
}

// handleTransferToHuman only marks the result; ending the call is up to
// the conversation loop once every call of the round has run.
func handleTransferToHuman(_ context.Context, args map[string]any) (Result, error) {
	reason := stringArg(args, "reason")
	res, err := jsonResult(map[string]string{
		"action": "transfer",
		"reason": reason,
	})
	if err != nil {
		return Result{}, err
	}
	res.Transfer = true
	res.TransferReason = reason
	return res, nil
}
