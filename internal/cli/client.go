package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/google/uuid"

	"chronicles/internal/wire"
)

const requestTimeout = 10 * time.Second

func dial(cmd *cobra.Command, req *wire.Request) (*wire.Response, error) {
	network, _ := cmd.Flags().GetString("network")
	address, _ := cmd.Flags().GetString("address")
	authToken, _ := cmd.Flags().GetString("auth-token")

	req.RequestId = uuid.New().String()
	req.AuthToken = authToken

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	res, err := wire.DialAndRequest(ctx, network, address, req)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", address, err)
	}
	if res.ErrorCode != int32(wire.ErrorCodeOK) {
		return res, fmt.Errorf("%s: %s", wire.ErrorCode(res.ErrorCode), res.ErrorMessage)
	}
	return res, nil
}
