package store

import "queueless/internal/models"

var transitionMap = map[models.Status][]models.Status{
	models.StatusServing: {models.StatusWaiting},
	models.StatusServed:  {models.StatusWaiting, models.StatusServing},
	models.StatusSkipped: {models.StatusWaiting},
	models.StatusExpired: {models.StatusWaiting, models.StatusServing},
}

// AllowedFrom lists the statuses an entry may hold right before moving to target.
func AllowedFrom(target models.Status) []models.Status {
	return transitionMap[target]
}

func ValidTransition(from, to models.Status) bool {
	for _, status := range transitionMap[to] {
		if status == from {
			return true
		}
	}
	return false
}
