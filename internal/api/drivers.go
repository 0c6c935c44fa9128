package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jogardn/fieldops/pkg/models"
)

func (c *Client) MyProfile(ctx context.Context) (*models.DriverProfile, error) {
	var profile models.DriverProfile
	if err := c.doJSON(ctx, AreaDrivers, http.MethodGet, "/drivers/me", nil, &profile); err != nil {
		return nil, fmt.Errorf("failed to fetch driver profile: %w", err)
	}
	return &profile, nil
}

func (c *Client) MyDeliveries(ctx context.Context) ([]models.Delivery, error) {
	var deliveries []models.Delivery
	if err := c.doJSON(ctx, AreaDrivers, http.MethodGet, "/drivers/me/deliveries", nil, &deliveries); err != nil {
		return nil, fmt.Errorf("failed to fetch assigned deliveries: %w", err)
	}
	return deliveries, nil
}

func (c *Client) UpdateMyStatus(ctx context.Context, status models.DriverStatus) (*models.DriverProfile, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown driver status %q", status)
	}
	var profile models.DriverProfile
	path := "/drivers/me/status?" + url.Values{"status": []string{string(status)}}.Encode()
	if err := c.doJSON(ctx, AreaDrivers, http.MethodPut, path, nil, &profile); err != nil {
		return nil, fmt.Errorf("failed to update driver status: %w", err)
	}
	return &profile, nil
}

// UpdateLocation forwards one position sample for driverID.
func (c *Client) UpdateLocation(ctx context.Context, driverID int64, sample models.LocationSample) error {
	path := "/drivers/" + strconv.FormatInt(driverID, 10) + "/location"
	if err := c.doJSON(ctx, AreaDrivers, http.MethodPut, path, sample, nil); err != nil {
		return fmt.Errorf("failed to update location for driver %d: %w", driverID, err)
	}
	return nil
}
