package githost

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/go-github/v68/github"
)

// retainedAssets is the cap on historical release assets kept per release.
const retainedAssets = 5

// PruneAssets enforces asset retention on the release containing
// currentAssetID: the 5 most-recently-updated assets stay, the rest are
// deleted. The asset just published by this run is never deleted, even when
// the ordering would otherwise select it. Deletions are independent and
// best-effort.
func PruneAssets(ctx context.Context, client *github.Client, repoFull string, currentAssetID int64, logger *slog.Logger) error {
	owner, name, err := SplitRepo(repoFull)
	if err != nil {
		return err
	}

	releaseID, err := findReleaseForAsset(ctx, client, owner, name, currentAssetID)
	if err != nil {
		return err
	}

	var assets []*github.ReleaseAsset
	opts := &github.ListOptions{PerPage: 100}
	for {
		page, resp, err := client.Repositories.ListReleaseAssets(ctx, owner, name, releaseID, opts)
		if err != nil {
			return fmt.Errorf("list release assets: %w", err)
		}
		assets = append(assets, page...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	deletable, protectedCurrent := selectPrunable(assets, retainedAssets, currentAssetID)
	if protectedCurrent {
		logger.Warn("retention would have selected the just-published asset; keeping it",
			"asset_id", currentAssetID)
	}

	for _, asset := range deletable {
		if _, err := client.Repositories.DeleteReleaseAsset(ctx, owner, name, asset.GetID()); err != nil {
			logger.Warn("failed to delete release asset",
				"asset_id", asset.GetID(),
				"asset", asset.GetName(),
				"error", err,
			)
			continue
		}
		logger.Info("pruned release asset", "asset_id", asset.GetID(), "asset", asset.GetName())
	}
	return nil
}

// selectPrunable returns the assets beyond the keep most-recently-updated
// ones, excluding currentID. protectedCurrent reports whether currentID was
// in the prune set before exclusion.
func selectPrunable(assets []*github.ReleaseAsset, keep int, currentID int64) (deletable []*github.ReleaseAsset, protectedCurrent bool) {
	if len(assets) <= keep {
		return nil, false
	}

	sorted := append([]*github.ReleaseAsset(nil), assets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].GetUpdatedAt().Time.After(sorted[j].GetUpdatedAt().Time)
	})

	for _, asset := range sorted[keep:] {
		if asset.GetID() == currentID {
			protectedCurrent = true
			continue
		}
		deletable = append(deletable, asset)
	}
	return deletable, protectedCurrent
}

// findReleaseForAsset locates the release whose asset list contains assetID.
func findReleaseForAsset(ctx context.Context, client *github.Client, owner, name string, assetID int64) (int64, error) {
	opts := &github.ListOptions{PerPage: 30}
	for {
		releases, resp, err := client.Repositories.ListReleases(ctx, owner, name, opts)
		if err != nil {
			return 0, fmt.Errorf("list releases: %w", err)
		}
		for _, rel := range releases {
			assets, _, err := client.Repositories.ListReleaseAssets(ctx, owner, name, rel.GetID(), &github.ListOptions{PerPage: 100})
			if err != nil {
				continue
			}
			for _, a := range assets {
				if a.GetID() == assetID {
					return rel.GetID(), nil
				}
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return 0, fmt.Errorf("no release contains asset %d", assetID)
}
