package ledger

import (
	"github.com/montanaflynn/stats"

	"github.com/achavala/pairhedge/internal/models"
)

// Statistics summarizes the realized performance of closed packages.
type Statistics struct {
	TotalPackages int     `json:"total_packages"`
	ClosedCount   int     `json:"closed_count"`
	BrokenCount   int     `json:"broken_count"`
	ReviewCount   int     `json:"review_count"`
	WinningCount  int     `json:"winning_count"`
	LosingCount   int     `json:"losing_count"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	WorstLoss     float64 `json:"worst_loss"`
}

// ComputeStatistics derives summary statistics from a replayed state.
func ComputeStatistics(st *State) Statistics {
	s := Statistics{TotalPackages: len(st.Packages)}

	var wins, losses []float64
	for _, p := range st.Packages {
		switch p.State {
		case models.StateBroken:
			s.BrokenCount++
			continue
		case models.StateNeedsReview:
			s.ReviewCount++
			continue
		case models.StateClosed:
		default:
			continue
		}
		s.ClosedCount++
		s.TotalPnL += p.RealizedPnL
		if p.RealizedPnL > 0 {
			wins = append(wins, p.RealizedPnL)
		} else {
			losses = append(losses, p.RealizedPnL)
		}
	}

	s.WinningCount = len(wins)
	s.LosingCount = len(losses)
	if s.ClosedCount > 0 {
		s.WinRate = float64(s.WinningCount) / float64(s.ClosedCount)
	}
	if v, err := stats.Mean(stats.Float64Data(wins)); err == nil {
		s.AverageWin = v
	}
	if v, err := stats.Mean(stats.Float64Data(losses)); err == nil {
		s.AverageLoss = v
	}
	if v, err := stats.Min(stats.Float64Data(losses)); err == nil {
		s.WorstLoss = v
	}
	return s
}
