package fixture

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/mrsinham/dicomconform/internal/forge"
	"github.com/mrsinham/dicomconform/internal/forge/vendor"
)

// ForgeURI returns the URI of a synthesized profile. Without vendors the
// profile's own private tags are written.
func ForgeURI(profile string, matrix int, vendors ...vendor.Vendor) string {
	u := url.URL{Scheme: "forge", Host: profile}
	q := url.Values{}
	if matrix > 0 {
		q.Set("matrix", strconv.Itoa(matrix))
	}
	if len(vendors) > 0 {
		q.Set("vendors", vendor.Join(vendors))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// fromForge synthesizes the profile named by a
// forge://<profile>?matrix=N&vendors=a,b URI into target.
func (p *Provisioner) fromForge(ctx context.Context, target string, u *url.URL) error {
	query := u.Query()
	matrix := 0
	if m := query.Get("matrix"); m != "" {
		n, err := strconv.Atoi(m)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid matrix %q", m)
		}
		matrix = n
	}
	var vendors []vendor.Vendor
	if query.Has("vendors") {
		v, err := vendor.Parse(query.Get("vendors"))
		if err != nil {
			return err
		}
		vendors = append([]vendor.Vendor{}, v...)
	}
	if _, err := forge.LookupProfile(u.Host); err != nil {
		return err
	}

	tmp := target + ".partial"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	series, err := forge.GenerateProfile(ctx, u.Host, tmp, matrix, vendors, p.logger())
	if err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return err
	}
	p.logger().Info("dataset synthesized", "profile", u.Host, "dir", target, "slices", len(series.Files),
		"vendors", vendor.Join(series.Vendors))
	return markComplete(target)
}
