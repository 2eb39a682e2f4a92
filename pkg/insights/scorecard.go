package insights

import "github.com/Sumatoshi-tech/codevoyage/pkg/analysis"

// Health dimension weights; they sum to 1.
const (
	weightOwnership    = 0.18
	weightReliability  = 0.22
	weightComplexity   = 0.20
	weightCoverage     = 0.12
	weightVelocity     = 0.14
	weightArchitecture = 0.14
)

type scorecardInput struct {
	commits    int
	busFactor  int
	highRisk   int
	signals    analysis.EngineeringSignals
	diversity  float64
	scanned    int
	totalFiles int
}

func healthScorecard(in scorecardInput) analysis.HealthScorecard {
	const (
		fullScore              = 100
		ownershipBase          = 20
		ownershipPerPerson     = 8
		missingTestsPenalty    = 30
		missingCIPenalty       = 20
		missingDocsPenalty     = 10
		highRiskPenalty        = 4
		lowCoverageRatio       = 0.2
		partialCoverageRatio   = 0.5
		lowCoveragePenalty     = 40
		partialCoveragePenalty = 20
		matureHistory          = 200
		minVelocity            = 30
		architectureBase       = 40
		architecturePerBit     = 20
	)

	reliability := fullScore
	if !in.signals.HasTests {
		reliability -= missingTestsPenalty
	}

	if !in.signals.HasCI {
		reliability -= missingCIPenalty
	}

	if !in.signals.HasDocs {
		reliability -= missingDocsPenalty
	}

	coverage := fullScore

	if in.totalFiles > 0 {
		ratio := float64(in.scanned) / float64(in.totalFiles)

		switch {
		case ratio < lowCoverageRatio:
			coverage -= lowCoveragePenalty
		case ratio < partialCoverageRatio:
			coverage -= partialCoveragePenalty
		}
	}

	velocity := fullScore
	if in.commits < matureHistory {
		velocity = max(minVelocity, in.commits/2)
	}

	dims := analysis.HealthDimensions{
		OwnershipResilience: min(fullScore, ownershipBase+in.busFactor*ownershipPerPerson),
		DeliveryReliability: max(0, reliability),
		ComplexityHealth:    max(0, fullScore-in.highRisk*highRiskPenalty),
		AnalysisCoverage:    max(0, coverage),
		EngineeringVelocity: velocity,
		ArchitectureBalance: min(fullScore, architectureBase+int(in.diversity*architecturePerBit)),
	}

	overall := float64(dims.OwnershipResilience)*weightOwnership +
		float64(dims.DeliveryReliability)*weightReliability +
		float64(dims.ComplexityHealth)*weightComplexity +
		float64(dims.AnalysisCoverage)*weightCoverage +
		float64(dims.EngineeringVelocity)*weightVelocity +
		float64(dims.ArchitectureBalance)*weightArchitecture

	return analysis.HealthScorecard{OverallScore: round(overall, 2), Dimensions: dims}
}
