package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
)

func deliveryPath(deliveryID int64, suffix string) string {
	return "/deliveries/" + strconv.FormatInt(deliveryID, 10) + suffix
}

func (c *Client) GetDelivery(ctx context.Context, deliveryID int64) (*models.Delivery, error) {
	var delivery models.Delivery
	if err := c.doJSON(ctx, AreaDeliveries, http.MethodGet, deliveryPath(deliveryID, ""), nil, &delivery); err != nil {
		return nil, fmt.Errorf("failed to fetch delivery %d: %w", deliveryID, err)
	}
	return &delivery, nil
}

func (c *Client) PickUp(ctx context.Context, deliveryID int64, notes *string) (*models.Delivery, error) {
	return c.transition(ctx, deliveryID, "/pickup", models.TransitionRequest{Notes: notes})
}

func (c *Client) StartDelivery(ctx context.Context, deliveryID int64, notes *string) (*models.Delivery, error) {
	return c.transition(ctx, deliveryID, "/start", models.TransitionRequest{Notes: notes})
}

func (c *Client) MarkArrived(ctx context.Context, deliveryID int64, notes *string) (*models.Delivery, error) {
	return c.transition(ctx, deliveryID, "/arrive", models.TransitionRequest{Notes: notes})
}

func (c *Client) CompleteDelivery(ctx context.Context, deliveryID int64, completion models.CompletionRequest) (*models.Delivery, error) {
	return c.transition(ctx, deliveryID, "/complete", completion)
}

// transition issues one status change and returns the delivery as the server
// now sees it. Servers that answer without a body are asked again.
func (c *Client) transition(ctx context.Context, deliveryID int64, suffix string, body interface{}) (*models.Delivery, error) {
	var delivery models.Delivery
	path := deliveryPath(deliveryID, suffix)
	if err := c.doJSON(ctx, AreaDeliveries, http.MethodPut, path, body, &delivery); err != nil {
		return nil, fmt.Errorf("failed to update delivery %d: %w", deliveryID, err)
	}

	c.logger.WithFields(logrus.Fields{
		"delivery_id": deliveryID,
		"action":      suffix[1:],
		"status":      delivery.Status,
	}).Info("Delivery status update accepted")

	if delivery.DeliveryID == 0 || delivery.Status == "" {
		return c.GetDelivery(ctx, deliveryID)
	}
	return &delivery, nil
}

// UploadProof sends a proof of delivery photo and returns where it is stored.
func (c *Client) UploadProof(ctx context.Context, deliveryID int64, filename string, content io.Reader) (string, error) {
	var upload models.ProofUpload
	if err := c.doMultipart(ctx, AreaDeliveries, deliveryPath(deliveryID, "/proof"), "file", filename, content, &upload); err != nil {
		return "", fmt.Errorf("failed to upload proof for delivery %d: %w", deliveryID, err)
	}
	if upload.PhotoURL == "" {
		return "", fmt.Errorf("proof upload for delivery %d returned no photo url", deliveryID)
	}
	return upload.PhotoURL, nil
}
