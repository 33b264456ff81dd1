package polls

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
)

// ResultLine is the tally of one option, within one area for per-area polls.
type ResultLine struct {
	OptionID    uint   `gorm:"column:option_id" json:"optionId"`
	Label       string `gorm:"column:text_fi" json:"label"`
	CandidateID *uint  `gorm:"column:candidate_id" json:"candidateId,omitempty"`
	Area        string `gorm:"column:area" json:"area,omitempty"`
	Count       int    `gorm:"column:count" json:"count"`
}

// AreaResult groups result lines. Area is empty for polls tallied as a whole.
type AreaResult struct {
	Area  string       `json:"area,omitempty"`
	Lines []ResultLine `json:"lines"`
}

// Results is the tabulation of a closed poll.
type Results struct {
	Poll  store.Poll   `json:"-"`
	Areas []AreaResult `json:"areas"`
}

// Text renders the results for the admin chat.
func (r Results) Text() string {
	var builder strings.Builder
	builder.WriteString(locale.Escape(r.Poll.TextFi))
	for _, area := range r.Areas {
		if r.Poll.PerArea {
			fmt.Fprintf(&builder, "\n\n<b>Results in area %s</b>:", locale.Escape(area.Area))
		} else {
			builder.WriteString("\n\n<b>Results</b>:")
		}
		for _, line := range area.Lines {
			builder.WriteString("\n")
			if line.CandidateID != nil {
				fmt.Fprintf(&builder, "(UID <code>%d</code>) ", *line.CandidateID)
			}
			fmt.Fprintf(&builder, "%s: %d votes", locale.Escape(line.Label), line.Count)
		}
		if len(area.Lines) == 0 {
			builder.WriteString("\nNo votes.")
		}
	}
	return builder.String()
}

// Results tabulates a closed poll.
func (e *Engine) Results(ctx context.Context, id uint) (Results, error) {
	poll, err := e.Get(ctx, id)
	if err != nil {
		return Results{}, err
	}
	if poll.Status != store.PollClosed {
		return Results{}, ErrNotClosed
	}
	query := e.db.WithContext(ctx).
		Table("votes").
		Joins("INNER JOIN poll_options ON votes.option_id = poll_options.id").
		Where("votes.poll_id = ?", id)
	var lines []ResultLine
	if poll.PerArea {
		err = query.
			Select("votes.option_id, poll_options.text_fi, poll_options.candidate_id, votes.area, COUNT(*) AS count").
			Group("votes.option_id, votes.area").
			Order("votes.area ASC").Order("count DESC").Order("poll_options.order_no ASC").
			Scan(&lines).Error
	} else {
		err = query.
			Select("votes.option_id, poll_options.text_fi, poll_options.candidate_id, COUNT(*) AS count").
			Group("votes.option_id").
			Order("count DESC").Order("poll_options.order_no ASC").
			Scan(&lines).Error
	}
	if err != nil {
		e.logError(opResults, "query_failed", err, zap.Uint("poll_id", id))
		return Results{}, newServiceError(opResults, "query_failed", err)
	}

	results := Results{Poll: poll}
	if !poll.PerArea {
		results.Areas = []AreaResult{{Lines: lines}}
		return results, nil
	}

	byArea := make(map[string][]ResultLine)
	for _, line := range lines {
		byArea[line.Area] = append(byArea[line.Area], line)
	}
	voters, err := e.groups.Members(ctx, poll.VoterGroup)
	if err != nil {
		return Results{}, err
	}
	for _, voter := range voters {
		if _, ok := byArea[voter.Area]; !ok {
			byArea[voter.Area] = nil
		}
	}
	areas := make([]string, 0, len(byArea))
	for area := range byArea {
		areas = append(areas, area)
	}
	sort.Strings(areas)
	for _, area := range areas {
		results.Areas = append(results.Areas, AreaResult{Area: area, Lines: byArea[area]})
	}
	return results, nil
}
